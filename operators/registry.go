// Package operators implements the time-bounded operator grant registry. A
// grant lets a spender move a holder's confidential balance until an expiry
// timestamp; both the auction ledger and the confidential wrapper consult it
// before any transfer on behalf of a holder.
package operators

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilbid-io/sealedauction/store"
)

// Grant is a persisted operator authorization.
type Grant struct {
	Holder  string    `cbor:"holder" json:"holder"`
	Spender string    `cbor:"spender" json:"spender"`
	Until   time.Time `cbor:"until" json:"until"`
}

// Registry stores operator grants. Setting a grant for a (holder, spender)
// pair overwrites any prior grant; there is no revoke primitive beyond
// setting an expiry in the past.
type Registry struct {
	mu    sync.Mutex
	store *store.Store
	now   func() time.Time
	log   zerolog.Logger
}

// NewRegistry creates a registry backed by s. A nil clock defaults to
// time.Now; tests inject a deterministic clock.
func NewRegistry(s *store.Store, clock func() time.Time, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{store: s, now: clock, log: logger}
}

// SetOperator grants spender the right to move holder's confidential balance
// until the given timestamp, replacing any existing grant for the pair.
func (r *Registry) SetOperator(holder, spender string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	grant := Grant{Holder: holder, Spender: spender, Until: until}
	if err := r.store.Put(grantKey(holder, spender), grant); err != nil {
		return fmt.Errorf("persist operator grant: %w", err)
	}

	r.log.Info().
		Str("holder", holder).
		Str("spender", spender).
		Time("until", until).
		Msg("operator grant set")
	return nil
}

// IsOperator reports whether spender currently holds an unexpired grant from
// holder.
func (r *Registry) IsOperator(holder, spender string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var grant Grant
	err := r.store.Get(grantKey(holder, spender), &grant)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		r.log.Error().Err(err).Str("holder", holder).Str("spender", spender).Msg("grant lookup failed")
		return false
	}
	return r.now().Before(grant.Until)
}

func grantKey(holder, spender string) string {
	return "grant/" + holder + "/" + spender
}
