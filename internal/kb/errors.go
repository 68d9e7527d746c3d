package kb

import (
	"errors"

	"github.com/sovereign/pagi/internal/vault"
)

// ErrVaultLocked is returned by any Slot 9 operation when the vault
// has no configured key. It is the same value as vault.ErrLocked, so
// errors passed through from the vault and errors raised by the store
// compare equal. The store never substitutes plaintext for an
// unreadable or unwritable ciphertext.
var ErrVaultLocked = vault.ErrLocked

// ErrNotFound names a missing record. Get and the typed helpers in
// this package do not return it: they report a missing key as
// (nil, false, nil).
var ErrNotFound = errors.New("kb: record not found")

// ErrInvalidSlot is returned when a caller addresses a slot number
// outside 1..9.
var ErrInvalidSlot = errors.New("kb: invalid slot")

// StoreError wraps an underlying BoltDB I/O or corruption failure with
// the slot and operation that triggered it.
type StoreError struct {
	Slot Slot
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return "kb: " + e.Slot.String() + " " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }
