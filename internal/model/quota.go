package model

import "time"

// QuotaRecord is the sliding-window usage counter for one
// (ProviderID, SubKey) pair. SubKey is the subscription/account key that
// actually owns the quota; per Design Notes an "Agent" is represented as
// a SubKey rather than a standalone type (the teacher's store.Agent is
// not carried forward — see DESIGN.md).
type QuotaRecord struct {
	ProviderID string `json:"provider_id" db:"provider_id"`
	SubKey     string `json:"sub_key" db:"sub_key"`

	WindowStart time.Time `json:"window_start" db:"window_start"`
	Used        int       `json:"used" db:"used"`
	Limit       int       `json:"limit_" db:"limit_"`
	ResetAt     time.Time `json:"reset_at" db:"reset_at"`
}

// Rollover resets the usage counter to zero and advances the window if
// now has passed ResetAt, returning whether a rollover happened. Callers
// must hold whatever lock guards the record before calling this.
func (q *QuotaRecord) Rollover(now time.Time) bool {
	if now.Before(q.ResetAt) {
		return false
	}
	window := q.ResetAt.Sub(q.WindowStart)
	if window <= 0 {
		window = time.Hour
	}
	q.WindowStart = now
	q.Used = 0
	q.ResetAt = now.Add(window)
	return true
}

// Headroom returns how many more reservations the record can accept
// before hitting Limit.
func (q QuotaRecord) Headroom() int {
	h := q.Limit - q.Used
	if h < 0 {
		return 0
	}
	return h
}
