// Package clock pins the fixed reporting time zone. All user-visible
// timestamps and the quota reset schedule use UTC+8, serialized with the
// explicit offset.
package clock

import "time"

var Reporting = time.FixedZone("UTC+8", 8*60*60)

func Now() time.Time {
	return time.Now().In(Reporting)
}

func Format(t time.Time) string {
	return t.In(Reporting).Format(time.RFC3339)
}

func Parse(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
