package types

import "time"

// Entity carries the bookkeeping timestamps every autopay record has.
// Backends persist them; domain code only reads them.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity stamps both timestamps with now, truncated to microseconds so
// values survive a round trip through any backend unchanged.
func NewEntity(now time.Time) Entity {
	now = now.UTC().Truncate(time.Microsecond)
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch sets UpdatedAt.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now.UTC().Truncate(time.Microsecond)
}

// OlderThan reports whether the record was created more than d before now.
func (e Entity) OlderThan(d time.Duration, now time.Time) bool {
	return now.Sub(e.CreatedAt) > d
}
