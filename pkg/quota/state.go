package quota

import (
	"sync"
	"time"

	"chatgate/pkg/clock"
)

// state is one principal's in-memory counter. The interior mutex orders all
// mutations; disk I/O never happens while it is held.
type state struct {
	mu              sync.Mutex
	name            string
	tier            string
	limit           int
	used            int
	lastPersisted   int
	resetAt         time.Time
	lastPersistedAt time.Time
	dirty           bool
}

// FileState is the persisted form, data/quotas/<name>.json. Timestamps carry
// the reporting-zone offset.
type FileState struct {
	Name               string `json:"name"`
	Tier               string `json:"tier"`
	MonthlyLimit       int    `json:"monthly_limit"`
	UsedCount          int    `json:"used_count"`
	LastPersistedCount int    `json:"last_persisted_count"`
	ResetAt            string `json:"reset_at"`
	LastPersistedAt    string `json:"last_persisted_at,omitempty"`
}

func (st *state) snapshotLocked() FileState {
	fs := FileState{
		Name:               st.name,
		Tier:               st.tier,
		MonthlyLimit:       st.limit,
		UsedCount:          st.used,
		LastPersistedCount: st.used, // the write makes this the persisted value
		ResetAt:            clock.Format(st.resetAt),
	}
	return fs
}

func stateFromFile(fs FileState) (*state, error) {
	resetAt, err := clock.Parse(fs.ResetAt)
	if err != nil {
		return nil, err
	}
	st := &state{
		name:          fs.Name,
		tier:          fs.Tier,
		limit:         fs.MonthlyLimit,
		used:          fs.UsedCount,
		lastPersisted: fs.LastPersistedCount,
		resetAt:       resetAt,
	}
	if fs.LastPersistedAt != "" {
		if t, err := clock.Parse(fs.LastPersistedAt); err == nil {
			st.lastPersistedAt = t
		}
	}
	st.dirty = st.used != st.lastPersisted
	return st, nil
}

// Snapshot is the read-only view returned by Peek and the quota endpoint.
type Snapshot struct {
	Name    string
	Tier    string
	Limit   int
	Used    int
	ResetAt time.Time
}

func (s Snapshot) Remaining() int {
	if s.Used >= s.Limit {
		return 0
	}
	return s.Limit - s.Used
}

func (s Snapshot) UsagePercentage() float64 {
	if s.Limit == 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Limit) * 100
}
