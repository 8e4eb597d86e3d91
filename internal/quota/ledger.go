// Package quota implements the Subscription Intelligence / Quota
// Manager. The reservation-with-janitor shape is grounded on the
// teacher's scheduler.TokenBucketLimiter (per-key limiter map guarded by
// one mutex) plus coordination/janitor.go's periodic sweep, repurposed
// from lock fencing to auto-refunding expired reservations.
package quota

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/clock"
	"github.com/relayforge/taskmesh/internal/model"
)

// Token is a held reservation against one (providerID, subKey)'s quota.
// It must be resolved with Commit or Refund; an unresolved Token past
// its Deadline is auto-refunded by the janitor.
type Token struct {
	ID         string
	ProviderID string
	SubKey     string
	Deadline   time.Time
}

type record struct {
	mu  sync.Mutex
	rec model.QuotaRecord
}

// Backend is the storage interface for QuotaRecords; RedisBackend
// implements it. The Ledger keeps the Backend it is given but never
// calls Load or Save, so quota state lives only in the Ledger's memory
// and does not survive a process restart.
type Backend interface {
	Load(ctx context.Context, providerID, subKey string) (model.QuotaRecord, bool, error)
	Save(ctx context.Context, rec model.QuotaRecord) error
}

// Ledger tracks quota usage per (providerID, subKey) and brokers
// reservations between the Coordinator's selection and the Processor's
// commit/refund after an attempt completes.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*record

	pending   map[string]Token
	pendingMu sync.Mutex

	backend Backend
	clock   clock.Clock

	reservationTTL time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

func key(providerID, subKey string) string { return providerID + "\x00" + subKey }

// New constructs a Ledger. backend may be nil; with or without one,
// records live only in memory for the process lifetime.
func New(backend Backend, c clock.Clock, reservationTTL time.Duration) *Ledger {
	if c == nil {
		c = clock.Real
	}
	return &Ledger{
		records:        make(map[string]*record),
		pending:        make(map[string]Token),
		backend:        backend,
		clock:          c,
		reservationTTL: reservationTTL,
		stop:           make(chan struct{}),
	}
}

// SetLimit installs or updates the quota limit and window length for a
// (providerID, subKey) pair.
func (l *Ledger) SetLimit(providerID, subKey string, limit int, window time.Duration) {
	r := l.recordFor(providerID, subKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	now := l.clock.Now()
	if r.rec.ResetAt.IsZero() {
		r.rec.ProviderID = providerID
		r.rec.SubKey = subKey
		r.rec.WindowStart = now
		r.rec.ResetAt = now.Add(window)
	}
	r.rec.Limit = limit
}

func (l *Ledger) recordFor(providerID, subKey string) *record {
	k := key(providerID, subKey)
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[k]
	if !ok {
		r = &record{}
		l.records[k] = r
	}
	return r
}

// Headroom reports how much quota remains for (providerID, subKey),
// used by the Coordinator's quota-peek filter stage.
func (l *Ledger) Headroom(providerID, subKey string) (int, bool) {
	r := l.recordFor(providerID, subKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.Limit == 0 {
		return 0, false // no limit configured for this pair; don't filter on it
	}
	r.rec.Rollover(l.clock.Now())
	return r.rec.Headroom(), true
}

// TryReserve attempts to hold one unit of quota for (providerID, subKey).
// On success it returns a Token that must later be resolved with Commit
// or Refund. On failure it returns a QuotaExhausted error.
func (l *Ledger) TryReserve(providerID, subKey string) (Token, error) {
	r := l.recordFor(providerID, subKey)
	r.mu.Lock()
	now := l.clock.Now()
	r.rec.Rollover(now)
	if r.rec.Limit > 0 && r.rec.Used >= r.rec.Limit {
		r.mu.Unlock()
		return Token{}, apperrors.New(apperrors.QuotaExhausted, "quota exhausted for "+subKey+" on "+providerID)
	}
	r.rec.Used++
	r.mu.Unlock()

	tok := Token{
		ID:         clock.NewID(),
		ProviderID: providerID,
		SubKey:     subKey,
		Deadline:   now.Add(l.reservationTTL),
	}
	l.pendingMu.Lock()
	l.pending[tok.ID] = tok
	l.pendingMu.Unlock()
	return tok, nil
}

// Commit finalizes a reservation: the held unit stays counted against
// the window (the attempt happened and consumed real quota).
func (l *Ledger) Commit(tok Token) {
	l.pendingMu.Lock()
	delete(l.pending, tok.ID)
	l.pendingMu.Unlock()
}

// Refund releases a reservation without counting it against the
// window, used when an attempt failed or never reached the provider
// (e.g. Execute returned an error, or no implementation was found).
func (l *Ledger) Refund(tok Token) {
	l.pendingMu.Lock()
	_, stillPending := l.pending[tok.ID]
	delete(l.pending, tok.ID)
	l.pendingMu.Unlock()
	if !stillPending {
		return // already refunded by the janitor
	}
	l.refundUsage(tok)
}

func (l *Ledger) refundUsage(tok Token) {
	r := l.recordFor(tok.ProviderID, tok.SubKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.Used > 0 {
		r.rec.Used--
	}
}

// PickSubKey chooses which of a caller's available subscription keys to
// use against providerID. The first key in the scan with no configured
// limit is returned outright; otherwise the key with the greatest
// headroom wins, and among equal headroom the earliest in subKeys.
// No per-key usage recency is tracked, so least-recently-used plays no
// part in the choice. Grounded on the teacher's
// EnsureLimiter-then-Reserve idiom generalized to multiple competing
// keys instead of one.
func (l *Ledger) PickSubKey(providerID string, subKeys []string) string {
	if len(subKeys) == 0 {
		return ""
	}
	best := subKeys[0]
	bestHeadroom := -1
	for _, sk := range subKeys {
		h, ok := l.Headroom(providerID, sk)
		if !ok {
			return sk // unmetered key, prefer it outright
		}
		if h > bestHeadroom {
			best, bestHeadroom = sk, h
		}
	}
	return best
}

// StartJanitor launches the background sweep that auto-refunds
// reservations past their Deadline without ever being committed —
// e.g. because the worker holding them crashed. Adapted from
// coordination/janitor.go's periodic stale-lock sweep.
func (l *Ledger) StartJanitor(ctx context.Context, interval time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.sweepExpired()
			}
		}
	}()
}

func (l *Ledger) sweepExpired() {
	now := l.clock.Now()
	l.pendingMu.Lock()
	var expired []Token
	for id, tok := range l.pending {
		if now.After(tok.Deadline) {
			expired = append(expired, tok)
			delete(l.pending, id)
		}
	}
	l.pendingMu.Unlock()

	for _, tok := range expired {
		log.Printf("[QUOTA] janitor refunding expired reservation %s (provider=%s sub=%s)", tok.ID, tok.ProviderID, tok.SubKey)
		l.refundUsage(tok)
	}
}

// Stop halts the background janitor.
func (l *Ledger) Stop() {
	close(l.stop)
	l.wg.Wait()
}
