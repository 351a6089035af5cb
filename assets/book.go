// Package assets implements the public fungible balance book: plain-integer
// balances and allowances per (asset, holder). It backs the seller's escrow
// and the reserve each confidential wrapper holds against its encrypted
// supply. Amounts here are public; hiding them is exactly what wrapping is
// for.
package assets

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/veilbid-io/sealedauction/store"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientAllowance is returned when a transferFrom exceeds the
	// spender's allowance.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrOverflow is returned when a credit would exceed the 64-bit domain.
	ErrOverflow = errors.New("balance overflow")
)

// Book tracks public balances and allowances for any number of assets.
type Book struct {
	mu    sync.Mutex
	store *store.Store
	log   zerolog.Logger
}

// NewBook creates a balance book backed by s.
func NewBook(s *store.Store, logger zerolog.Logger) *Book {
	return &Book{store: s, log: logger}
}

// Issue credits newly issued units of asset to holder.
func (b *Book) Issue(asset, holder string, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.store.Update(func(tx *store.Tx) error {
		return credit(tx, balanceKey(asset, holder), amount)
	})
	if err != nil {
		return err
	}

	b.log.Info().Str("asset", asset).Str("holder", holder).Uint64("amount", amount).Msg("issued")
	return nil
}

// BalanceOf returns holder's balance of asset. Missing records read as zero.
func (b *Book) BalanceOf(asset, holder string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var balance uint64
	err := b.store.Get(balanceKey(asset, holder), &balance)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	return balance, err
}

// Approve sets spender's allowance over owner's balance of asset.
func (b *Book) Approve(asset, owner, spender string, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.store.Put(allowanceKey(asset, owner, spender), amount)
}

// Allowance returns spender's remaining allowance over owner's asset balance.
func (b *Book) Allowance(asset, owner, spender string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var allowance uint64
	err := b.store.Get(allowanceKey(asset, owner, spender), &allowance)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	return allowance, err
}

// Transfer moves amount of asset from one holder to another.
func (b *Book) Transfer(asset, from, to string, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.store.Update(func(tx *store.Tx) error {
		return move(tx, asset, from, to, amount)
	})
}

// TransferFrom moves amount of asset from one holder to another on behalf of
// spender, consuming spender's allowance.
func (b *Book) TransferFrom(asset, spender, from, to string, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.store.Update(func(tx *store.Tx) error {
		key := allowanceKey(asset, from, spender)

		var allowance uint64
		if err := tx.Get(key, &allowance); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if allowance < amount {
			return fmt.Errorf("%w: %s allows %s %d of %s, need %d", ErrInsufficientAllowance, from, spender, allowance, asset, amount)
		}
		if err := tx.Put(key, allowance-amount); err != nil {
			return err
		}
		return move(tx, asset, from, to, amount)
	})
}

func move(tx *store.Tx, asset, from, to string, amount uint64) error {
	fromKey := balanceKey(asset, from)

	var balance uint64
	if err := tx.Get(fromKey, &balance); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: %s holds %d of %s, need %d", ErrInsufficientBalance, from, balance, asset, amount)
	}
	if err := tx.Put(fromKey, balance-amount); err != nil {
		return err
	}
	return credit(tx, balanceKey(asset, to), amount)
}

func credit(tx *store.Tx, key string, amount uint64) error {
	var balance uint64
	if err := tx.Get(key, &balance); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if balance+amount < balance {
		return ErrOverflow
	}
	return tx.Put(key, balance+amount)
}

func balanceKey(asset, holder string) string {
	return "bal/" + asset + "/" + holder
}

func allowanceKey(asset, owner, spender string) string {
	return "alw/" + asset + "/" + owner + "/" + spender
}
