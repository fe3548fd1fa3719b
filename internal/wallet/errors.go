package wallet

import "errors"

var (
	ErrNotFound              = errors.New("wallet: not found")
	ErrInvalidArgument       = errors.New("wallet: invalid argument")
	ErrInvalidAmount         = errors.New("wallet: amount must be positive with at most two decimals")
	ErrInsufficientFunds     = errors.New("wallet: insufficient funds")
	ErrWalletFrozen          = errors.New("wallet: wallet is frozen")
	ErrSpendingLimitExceeded = errors.New("wallet: spending limit exceeded")
	ErrRecipientNotFound     = errors.New("wallet: recipient not found")
	ErrSelfTransfer          = errors.New("wallet: cannot transfer to self")

	// ErrDuplicateReference means the payment reference was already consumed.
	// Callers settling external events treat it as success, not failure.
	ErrDuplicateReference = errors.New("wallet: duplicate payment reference")

	// ErrStoreConflict is a concurrent-write conflict; the operation may be retried.
	ErrStoreConflict = errors.New("wallet: concurrent update conflict")
)
