// Package quota maintains per-principal monthly counters with lazy
// write-back. Counters load on first use, persist every save_interval
// increments and on drain, and reset on a monthly schedule.
package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatgate/pkg/clock"
)

var ErrUnknownPrincipal = errors.New("unknown principal")

// ExhaustedError reports a rejected reservation with the data the 402
// response carries.
type ExhaustedError struct {
	Used    int
	Limit   int
	ResetAt time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("monthly quota exhausted: %d/%d, resets %s", e.Used, e.Limit, clock.Format(e.ResetAt))
}

// Options wires the ledger to its collaborators. TierOf consults the user
// directory, never a static seed list.
type Options struct {
	Dir          string
	SaveInterval int
	ResetDay     int
	TierOf       func(name string) (string, bool)
	LimitOf      func(tier string) int
	Logf         func(format string, args ...any)
}

type Ledger struct {
	opts   Options
	mu     sync.Mutex
	states map[string]*state
}

func NewLedger(opts Options) (*Ledger, error) {
	if opts.SaveInterval <= 0 {
		return nil, errors.New("save interval must be positive")
	}
	if opts.TierOf == nil || opts.LimitOf == nil {
		return nil, errors.New("tier and limit lookups required")
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("quotas dir: %w", err)
	}
	return &Ledger{opts: opts, states: map[string]*state{}}, nil
}

// load returns the principal's state, reading the state file or constructing
// a fresh one on first access. Disk I/O happens with the cache lock released;
// a concurrent insert by another caller wins.
func (l *Ledger) load(name string) (*state, error) {
	l.mu.Lock()
	if st := l.states[name]; st != nil {
		l.mu.Unlock()
		return st, nil
	}
	path := l.path(name)
	l.mu.Unlock()

	st, err := l.readState(name, path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing := l.states[name]; existing != nil {
		return existing, nil
	}
	l.states[name] = st
	return st, nil
}

func (l *Ledger) readState(name, path string) (*state, error) {
	buf, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fs FileState
		if err := json.Unmarshal(buf, &fs); err != nil {
			return nil, fmt.Errorf("parse quota state %s: %w", path, err)
		}
		st, err := stateFromFile(fs)
		if err != nil {
			return nil, fmt.Errorf("parse quota state %s: %w", path, err)
		}
		return st, nil
	case os.IsNotExist(err):
		tier, ok := l.opts.TierOf(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPrincipal, name)
		}
		limit := l.opts.LimitOf(tier)
		l.opts.Logf("initialized quota for %s: tier=%s limit=%d", name, tier, limit)
		return &state{
			name:    name,
			tier:    tier,
			limit:   limit,
			resetAt: NextReset(clock.Now(), l.opts.ResetDay),
			dirty:   true,
		}, nil
	default:
		return nil, fmt.Errorf("read quota state %s: %w", path, err)
	}
}

// Reserve admits one chargeable request. The increment happens here; the
// caller commits once the upstream accepted the request, or refunds if it
// never did. A period rollover observed here zeroes the counter and is
// persisted immediately.
func (l *Ledger) Reserve(name string) (*Reservation, error) {
	st, err := l.load(name)
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	st.mu.Lock()
	reset := !now.Before(st.resetAt)
	if reset {
		st.used = 0
		st.lastPersisted = 0
		st.resetAt = NextReset(now, l.opts.ResetDay)
		st.dirty = true
		l.opts.Logf("monthly quota reset for %s, next reset %s", name, clock.Format(st.resetAt))
	}
	if st.used >= st.limit {
		exhausted := &ExhaustedError{Used: st.used, Limit: st.limit, ResetAt: st.resetAt}
		st.mu.Unlock()
		if reset {
			// A reset is a hard persistence point even when the request
			// is then rejected.
			if err := l.persist(st); err != nil {
				l.opts.Logf("persist after reset failed for %s: %v", name, err)
			}
		}
		return nil, exhausted
	}
	st.used++
	st.dirty = true
	st.mu.Unlock()

	if reset {
		if err := l.persist(st); err != nil {
			l.opts.Logf("persist after reset failed for %s: %v", name, err)
		}
	}
	return &Reservation{ledger: l, st: st}, nil
}

// Peek returns the principal's counters without mutation.
func (l *Ledger) Peek(name string) (Snapshot, error) {
	st, err := l.load(name)
	if err != nil {
		return Snapshot{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{
		Name:    st.name,
		Tier:    st.tier,
		Limit:   st.limit,
		Used:    st.used,
		ResetAt: st.resetAt,
	}, nil
}

// Drain persists every dirty state. Called once on shutdown.
func (l *Ledger) Drain() error {
	l.mu.Lock()
	snapshot := make([]*state, 0, len(l.states))
	for _, st := range l.states {
		snapshot = append(snapshot, st)
	}
	l.mu.Unlock()

	var firstErr error
	for _, st := range snapshot {
		st.mu.Lock()
		dirty := st.dirty
		st.mu.Unlock()
		if !dirty {
			continue
		}
		if err := l.persist(st); err != nil {
			l.opts.Logf("drain: persist %s failed: %v", st.name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// persist clones the state under its lock, writes outside the lock
// (temp file, fsync, rename), then re-locks to record what was persisted.
// A failed write leaves the dirty flag set so the next threshold or drain
// retries.
func (l *Ledger) persist(st *state) error {
	now := clock.Now()
	st.mu.Lock()
	fs := st.snapshotLocked()
	fs.LastPersistedAt = clock.Format(now)
	st.mu.Unlock()

	if err := writeStateFile(l.path(fs.Name), fs); err != nil {
		return err
	}

	st.mu.Lock()
	st.lastPersisted = fs.UsedCount
	st.lastPersistedAt = now
	st.dirty = st.used != st.lastPersisted
	st.mu.Unlock()
	return nil
}

func (l *Ledger) path(name string) string {
	return filepath.Join(l.opts.Dir, name+".json")
}

func writeStateFile(path string, fs FileState) error {
	buf, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Reservation is one pending or committed quota increment. Commit and Refund
// finalize exactly once; later calls are no-ops.
type Reservation struct {
	ledger *Ledger
	st     *state
	once   sync.Once
}

// Commit marks the chargeable work as done (the increment already happened in
// Reserve) and triggers the lazy write-back when the threshold is reached.
func (r *Reservation) Commit() {
	r.once.Do(func() {
		r.st.mu.Lock()
		due := r.st.used-r.st.lastPersisted >= r.ledger.opts.SaveInterval
		r.st.mu.Unlock()
		if !due {
			return
		}
		if err := r.ledger.persist(r.st); err != nil {
			r.ledger.opts.Logf("quota write-back failed for %s: %v", r.st.name, err)
		}
	})
}

// Refund returns the increment after an upstream failure that did no
// chargeable work. The counter never goes below zero.
func (r *Reservation) Refund() {
	r.once.Do(func() {
		r.st.mu.Lock()
		if r.st.used > 0 {
			r.st.used--
		}
		r.st.dirty = r.st.used != r.st.lastPersisted
		r.st.mu.Unlock()
	})
}
