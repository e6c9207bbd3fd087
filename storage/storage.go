// Package storage defines the persistence and value-transfer collaborators of the
// auction service.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/timedauction/core"
)

var (
	// ErrAuctionExists is returned when a record already occupies the derived address.
	ErrAuctionExists = errors.New("auction address already in use")
	// ErrAuctionNotFound is returned when no record lives at the derived address.
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrInsufficientFunds is returned when a transfer would overdraw the payer.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for zero or negative transfer and deposit amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrRequestReplayed is returned when a signed request has already been applied.
	ErrRequestReplayed = errors.New("request already applied")
)

// RequestKey identifies one applied bid or close. Op is "bid" or "close"; Amount is
// zero for closes.
type RequestKey struct {
	Op        string
	Address   core.Address
	StartedAt int64
	Amount    uint8
}

// Transfer is one committed ledger movement.
type Transfer struct {
	ID        string          `json:"id"`
	From      core.Identity   `json:"from"`
	To        core.Identity   `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Tx is a transactional view over auction records and the balance ledger.
// Nothing done through a Tx is visible to other operations until it commits.
type Tx interface {
	CreateAuction(ctx context.Context, addr core.Address, a *core.Auction) error
	GetAuction(ctx context.Context, addr core.Address) (*core.Auction, error)
	UpdateAuction(ctx context.Context, addr core.Address, a *core.Auction) error
	DeleteAuction(ctx context.Context, addr core.Address) error

	// Transfer moves amount from one identity to another, failing with
	// ErrInsufficientFunds when the payer's balance is too low.
	Transfer(ctx context.Context, from, to core.Identity, amount decimal.Decimal, memo string) (*Transfer, error)

	// ConsumeRequest records key as applied, failing with ErrRequestReplayed when it
	// already was. Keys outlive the auction record they refer to.
	ConsumeRequest(ctx context.Context, key RequestKey) error
}

// Store runs transitions atomically and answers read-only queries.
type Store interface {
	// Atomic runs fn in a single serialized transaction. It commits when fn returns nil
	// and rolls back every change otherwise.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	GetAuction(ctx context.Context, addr core.Address) (*core.Auction, error)
	Balance(ctx context.Context, id core.Identity) (decimal.Decimal, error)
	Transfers(ctx context.Context, id core.Identity, limit int) ([]Transfer, error)
	Deposit(ctx context.Context, id core.Identity, amount decimal.Decimal) error
	Close() error
}
