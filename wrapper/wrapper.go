// Package wrapper implements the confidential token wrapper: it converts a
// public balance into an encrypted balance backed 1:1 by a reserve of the
// underlying asset, moves encrypted balances under operator grants, and
// reverses the conversion through a two-phase unwrap that requires a proved
// decryption from the gateway.
package wrapper

import (
	"errors"
	"fmt"
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilbid-io/sealedauction/assets"
	"github.com/veilbid-io/sealedauction/fhe"
	"github.com/veilbid-io/sealedauction/operators"
	"github.com/veilbid-io/sealedauction/oracle"
	"github.com/veilbid-io/sealedauction/store"
)

var (
	// ErrTransferFailed is returned when the public-side leg of a wrap or
	// unwrap cannot be executed.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrNotAuthorized is returned when a caller moves another holder's
	// encrypted balance without an active operator grant.
	ErrNotAuthorized = errors.New("operator not authorized")

	// ErrUnknownRequest is returned when an unwrap finalization references no
	// pending request.
	ErrUnknownRequest = errors.New("unknown unwrap request")
)

// Event topics published on the wrapper's bus.
const (
	TopicWrapped         = "wrapper:wrapped"
	TopicUnwrapRequested = "wrapper:unwrap_requested"
	TopicUnwrapFinalized = "wrapper:unwrap_finalized"
)

// WrappedEvent reports a completed public→encrypted conversion. The amount is
// public here because wrapping starts from a public transfer.
type WrappedEvent struct {
	Asset     string `json:"asset"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// UnwrapRequestedEvent reports phase one of an unwrap. Only the ciphertext
// handle of the burnt amount is visible.
type UnwrapRequestedEvent struct {
	Asset       string     `json:"asset"`
	RequestID   string     `json:"request_id"`
	Recipient   string     `json:"recipient"`
	BurntHandle fhe.Handle `json:"burnt_handle"`
}

// UnwrapFinalizedEvent reports phase two: the public release.
type UnwrapFinalizedEvent struct {
	Asset     string `json:"asset"`
	RequestID string `json:"request_id"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// UnwrapRequest is the persisted phase-one record. The encrypted debit is
// final once the request exists; only a proved decryption can release the
// matching public amount.
type UnwrapRequest struct {
	ID        string     `cbor:"id"`
	Requester string     `cbor:"requester"`
	From      string     `cbor:"from"`
	Recipient string     `cbor:"recipient"`
	Burnt     fhe.Handle `cbor:"burnt"`
}

// Deps bundles the collaborators a wrapper needs.
type Deps struct {
	Engine    fhe.Engine
	Book      *assets.Book
	Operators *operators.Registry
	Store     *store.Store
	Verifier  *oracle.Verifier
	Bus       evbus.Bus
	Logger    zerolog.Logger
}

// Wrapper is the confidential wrapper for one underlying asset.
type Wrapper struct {
	mu      sync.Mutex
	asset   string
	account string
	deps    Deps
	log     zerolog.Logger
}

// newWrapper is called by the factory; the custody account id is derived
// from the asset so each wrapper's reserve is isolated.
func newWrapper(asset string, deps Deps) *Wrapper {
	return &Wrapper{
		asset:   asset,
		account: "wrapper:" + asset,
		deps:    deps,
		log:     deps.Logger.With().Str("wrapper", asset).Logger(),
	}
}

// Asset returns the underlying asset identifier.
func (w *Wrapper) Asset() string { return w.asset }

// Account returns the wrapper's custody account, which holds the public
// reserve and is the contract identity external inputs must be bound to.
func (w *Wrapper) Account() string { return w.account }

// Reserve returns the public reserve currently held against the encrypted
// supply.
func (w *Wrapper) Reserve() (uint64, error) {
	return w.deps.Book.BalanceOf(w.asset, w.account)
}

// Wrap pulls amount of the underlying asset from caller (who must have
// approved the wrapper's account) and mints the same amount to recipient's
// encrypted balance. The plaintext amount is already public on the ledger, so
// the mint uses a trivial encryption and needs no oracle round trip.
func (w *Wrapper) Wrap(caller, recipient string, amount uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.deps.Book.TransferFrom(w.asset, w.account, caller, w.account, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	minted, err := w.deps.Engine.TrivialEncrypt(amount)
	if err != nil {
		return fmt.Errorf("mint encrypted balance: %w", err)
	}
	if err := w.credit(recipient, minted); err != nil {
		return err
	}

	w.log.Info().Str("recipient", recipient).Uint64("amount", amount).Msg("wrapped")
	w.publish(TopicWrapped, WrappedEvent{Asset: w.asset, Recipient: recipient, Amount: amount})
	return nil
}

// BalanceOf returns the handle of holder's encrypted balance, creating a
// zero ciphertext on first touch.
func (w *Wrapper) BalanceOf(holder string) (fhe.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance(holder)
}

// Transfer moves an encrypted amount between holders. The caller must be the
// holder or an operator with an active grant. The transferred quantity is
// min(amount, balance): an overdraft silently moves what is available instead
// of revealing the balance through a failure. Returns the handle of the
// amount actually moved.
func (w *Wrapper) Transfer(caller, from, to string, amount fhe.Handle) (fhe.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transfer(caller, from, to, amount)
}

// TransferInput ingests an externally encrypted amount (bound to this
// wrapper and the caller) and transfers it.
func (w *Wrapper) TransferInput(caller, from, to string, input fhe.ExternalInput) (fhe.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	amount, err := w.deps.Engine.VerifyInput(input, w.account, caller)
	if err != nil {
		return fhe.ZeroHandle, err
	}
	return w.transfer(caller, from, to, amount)
}

// RequestUnwrap is phase one of the encrypted→public conversion: it debits
// the encrypted balance immediately and records a request correlating the
// burnt handle with the recipient. The debit is final on this path; the only
// way forward is FinalizeUnwrap with a valid decryption proof.
func (w *Wrapper) RequestUnwrap(caller, from, to string, amount fhe.Handle) (uuid.UUID, fhe.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if caller != from && !w.deps.Operators.IsOperator(from, caller) {
		return uuid.Nil, fhe.ZeroHandle, fmt.Errorf("%w: %s may not unwrap for %s", ErrNotAuthorized, caller, from)
	}

	balance, err := w.balance(from)
	if err != nil {
		return uuid.Nil, fhe.ZeroHandle, err
	}
	burnt, err := w.deps.Engine.Min(amount, balance)
	if err != nil {
		return uuid.Nil, fhe.ZeroHandle, err
	}
	debited, err := w.deps.Engine.Sub(balance, burnt)
	if err != nil {
		return uuid.Nil, fhe.ZeroHandle, err
	}

	requestID := uuid.New()
	request := UnwrapRequest{
		ID:        requestID.String(),
		Requester: caller,
		From:      from,
		Recipient: to,
		Burnt:     burnt,
	}

	err = w.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Put(w.balanceKey(from), debited); err != nil {
			return err
		}
		return tx.Put(w.unwrapKey(requestID.String()), request)
	})
	if err != nil {
		return uuid.Nil, fhe.ZeroHandle, fmt.Errorf("persist unwrap request: %w", err)
	}

	w.log.Info().
		Str("request_id", requestID.String()).
		Str("from", from).
		Str("recipient", to).
		Stringer("burnt", burnt).
		Msg("unwrap requested")
	w.publish(TopicUnwrapRequested, UnwrapRequestedEvent{
		Asset:       w.asset,
		RequestID:   requestID.String(),
		Recipient:   to,
		BurntHandle: burnt,
	})
	return requestID, burnt, nil
}

// RequestUnwrapInput ingests an externally encrypted amount and starts an
// unwrap with it.
func (w *Wrapper) RequestUnwrapInput(caller, from, to string, input fhe.ExternalInput) (uuid.UUID, fhe.Handle, error) {
	amount, err := w.deps.Engine.VerifyInput(input, w.account, caller)
	if err != nil {
		return uuid.Nil, fhe.ZeroHandle, err
	}
	return w.RequestUnwrap(caller, from, to, amount)
}

// PendingUnwrap returns the phase-one record for a request id.
func (w *Wrapper) PendingUnwrap(requestID uuid.UUID) (UnwrapRequest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var request UnwrapRequest
	err := w.deps.Store.Get(w.unwrapKey(requestID.String()), &request)
	if errors.Is(err, store.ErrNotFound) {
		return UnwrapRequest{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return request, err
}

// FinalizeUnwrap is phase two: given a proved decryption of the burnt
// handle, it releases the revealed amount of the underlying asset to the
// recipient and deletes the request. An invalid proof changes nothing; the
// request stays pending and can be finalized later with a fresh proof.
func (w *Wrapper) FinalizeUnwrap(result oracle.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var request UnwrapRequest
	err := w.deps.Store.Get(w.unwrapKey(result.RequestID.String()), &request)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, result.RequestID)
	}
	if err != nil {
		return err
	}

	if err := w.deps.Verifier.Verify(result, []fhe.Handle{request.Burnt}); err != nil {
		w.log.Warn().Err(err).Str("request_id", request.ID).Msg("unwrap proof rejected")
		return err
	}
	if len(result.Cleartexts) != 1 {
		return fmt.Errorf("%w: expected 1 cleartext, got %d", oracle.ErrResultMismatch, len(result.Cleartexts))
	}
	amount := result.Cleartexts[0]

	if err := w.deps.Book.Transfer(w.asset, w.account, request.Recipient, amount); err != nil {
		return fmt.Errorf("%w: release reserve: %v", ErrTransferFailed, err)
	}
	if err := w.deps.Store.Delete(w.unwrapKey(request.ID)); err != nil {
		return err
	}

	w.log.Info().
		Str("request_id", request.ID).
		Str("recipient", request.Recipient).
		Uint64("amount", amount).
		Msg("unwrap finalized")
	w.publish(TopicUnwrapFinalized, UnwrapFinalizedEvent{
		Asset:     w.asset,
		RequestID: request.ID,
		Recipient: request.Recipient,
		Amount:    amount,
	})
	return nil
}

// transfer implements the operator-checked clamped move.
// Caller must hold w.mu.
func (w *Wrapper) transfer(caller, from, to string, amount fhe.Handle) (fhe.Handle, error) {
	if caller != from && !w.deps.Operators.IsOperator(from, caller) {
		return fhe.ZeroHandle, fmt.Errorf("%w: %s may not transfer for %s", ErrNotAuthorized, caller, from)
	}

	fromBalance, err := w.balance(from)
	if err != nil {
		return fhe.ZeroHandle, err
	}
	toBalance, err := w.balance(to)
	if err != nil {
		return fhe.ZeroHandle, err
	}

	moved, err := w.deps.Engine.Min(amount, fromBalance)
	if err != nil {
		return fhe.ZeroHandle, err
	}
	newFrom, err := w.deps.Engine.Sub(fromBalance, moved)
	if err != nil {
		return fhe.ZeroHandle, err
	}
	newTo, err := w.deps.Engine.Add(toBalance, moved)
	if err != nil {
		return fhe.ZeroHandle, err
	}

	err = w.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Put(w.balanceKey(from), newFrom); err != nil {
			return err
		}
		return tx.Put(w.balanceKey(to), newTo)
	})
	if err != nil {
		return fhe.ZeroHandle, fmt.Errorf("persist transfer: %w", err)
	}

	w.log.Debug().Str("from", from).Str("to", to).Stringer("moved", moved).Msg("confidential transfer")
	return moved, nil
}

// balance loads (or lazily creates) a holder's encrypted balance handle.
// Caller must hold w.mu.
func (w *Wrapper) balance(holder string) (fhe.Handle, error) {
	var handle fhe.Handle
	err := w.deps.Store.Get(w.balanceKey(holder), &handle)
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fhe.ZeroHandle, err
	}

	zero, err := w.deps.Engine.TrivialEncrypt(0)
	if err != nil {
		return fhe.ZeroHandle, err
	}
	if err := w.deps.Store.Put(w.balanceKey(holder), zero); err != nil {
		return fhe.ZeroHandle, err
	}
	return zero, nil
}

// credit adds an encrypted amount to a holder's balance.
// Caller must hold w.mu.
func (w *Wrapper) credit(holder string, amount fhe.Handle) error {
	balance, err := w.balance(holder)
	if err != nil {
		return err
	}
	updated, err := w.deps.Engine.Add(balance, amount)
	if err != nil {
		return err
	}
	return w.deps.Store.Put(w.balanceKey(holder), updated)
}

func (w *Wrapper) publish(topic string, event any) {
	if w.deps.Bus != nil {
		w.deps.Bus.Publish(topic, event)
	}
}

func (w *Wrapper) balanceKey(holder string) string {
	return "cbal/" + w.asset + "/" + holder
}

func (w *Wrapper) unwrapKey(id string) string {
	return "unwrap/" + w.asset + "/" + id
}
