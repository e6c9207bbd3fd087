package sqlite

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/timedauction/core"
	"github.com/cloudx-io/timedauction/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "auction.db"))
	assert.Nil(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func identityFor(t *testing.T, seed byte) core.Identity {
	t.Helper()
	key := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	id, err := core.IdentityFromPublicKey(key.Public().(ed25519.PublicKey))
	assert.Nil(t, err)
	return id
}

func newAuction(t *testing.T, creator core.Identity, name string) *core.Auction {
	t.Helper()
	a, err := core.Open(creator, core.OpenParams{Name: name, NameOfItem: "widget", MinBid: 5, Duration: 1}, time.Now())
	assert.Nil(t, err)
	return a
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open("  ")
	check.NotNil(t, err)
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "auction.db")
	first, err := Open(path)
	assert.Nil(t, err)
	creator := identityFor(t, 1)
	addr := core.DeriveAddress("auction", "itemA")
	assert.Nil(t, first.Atomic(context.Background(), func(tx storage.Tx) error {
		return tx.CreateAuction(context.Background(), addr, newAuction(t, creator, "itemA"))
	}))
	assert.Nil(t, first.Close())

	second, err := Open(path)
	assert.Nil(t, err)
	defer second.Close()

	got, err := second.GetAuction(context.Background(), addr)
	assert.Nil(t, err)
	check.Equal(t, creator, got.Creator)
}

func TestCreateGetAuctionRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	creator := identityFor(t, 1)
	addr := core.DeriveAddress("auction", "itemA")
	a := newAuction(t, creator, "itemA")

	assert.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateAuction(ctx, addr, a)
	}))

	got, err := store.GetAuction(ctx, addr)
	assert.Nil(t, err)
	check.Equal(t, "itemA", got.Name)
	check.Equal(t, "widget", got.NameOfItem)
	check.Equal(t, uint8(5), got.LastBid)
	check.Equal(t, a.StartedAt, got.StartedAt)
	check.Nil(t, got.Winner)
}

func TestCreateAuctionReturnsExistsOnOccupiedAddress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	addr := core.DeriveAddress("auction", "itemA")

	assert.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateAuction(ctx, addr, newAuction(t, identityFor(t, 1), "itemA"))
	}))

	err := store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateAuction(ctx, addr, newAuction(t, identityFor(t, 2), "itemA"))
	})
	check.True(t, errors.Is(err, storage.ErrAuctionExists))

	// The first record is untouched
	got, err := store.GetAuction(ctx, addr)
	assert.Nil(t, err)
	check.Equal(t, identityFor(t, 1), got.Creator)
}

func TestGetAuctionNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	_, err := store.GetAuction(context.Background(), core.DeriveAddress("auction", "missing"))
	check.True(t, errors.Is(err, storage.ErrAuctionNotFound))
}

func TestUpdateAndDeleteAuction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	addr := core.DeriveAddress("auction", "itemA")
	bidder := identityFor(t, 2)

	assert.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateAuction(ctx, addr, newAuction(t, identityFor(t, 1), "itemA"))
	}))

	assert.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		a, err := tx.GetAuction(ctx, addr)
		if err != nil {
			return err
		}
		if err := a.Bid(bidder, 8); err != nil {
			return err
		}
		return tx.UpdateAuction(ctx, addr, a)
	}))

	got, err := store.GetAuction(ctx, addr)
	assert.Nil(t, err)
	check.Equal(t, uint8(8), got.LastBid)
	assert.NotNil(t, got.Winner)
	check.Equal(t, bidder, *got.Winner)

	assert.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.DeleteAuction(ctx, addr)
	}))
	_, err = store.GetAuction(ctx, addr)
	check.True(t, errors.Is(err, storage.ErrAuctionNotFound))

	err = store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.DeleteAuction(ctx, addr)
	})
	check.True(t, errors.Is(err, storage.ErrAuctionNotFound))
}

func TestDepositAndTransfer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	alice := identityFor(t, 1)
	bob := identityFor(t, 2)

	balance, err := store.Balance(ctx, alice)
	assert.Nil(t, err)
	check.True(t, balance.IsZero())

	assert.Nil(t, store.Deposit(ctx, alice, decimal.NewFromInt(25)))
	check.True(t, errors.Is(store.Deposit(ctx, alice, decimal.Zero), storage.ErrInvalidAmount))

	var transfer *storage.Transfer
	assert.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		transfer, err = tx.Transfer(ctx, alice, bob, decimal.NewFromInt(10), "itemA")
		return err
	}))
	check.NotEqual(t, "", transfer.ID)

	aliceBalance, err := store.Balance(ctx, alice)
	assert.Nil(t, err)
	check.Equal(t, "15", aliceBalance.String())

	bobBalance, err := store.Balance(ctx, bob)
	assert.Nil(t, err)
	check.Equal(t, "10", bobBalance.String())

	history, err := store.Transfers(ctx, bob, 10)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(history))
	check.Equal(t, transfer.ID, history[0].ID)
	check.Equal(t, alice, history[0].From)
	check.Equal(t, "itemA", history[0].Memo)
	check.Equal(t, "10", history[0].Amount.String())
}

func TestTransferToSelfKeepsBalance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	alice := identityFor(t, 1)
	assert.Nil(t, store.Deposit(ctx, alice, decimal.NewFromInt(7)))

	assert.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		_, err := tx.Transfer(ctx, alice, alice, decimal.NewFromInt(7), "self")
		return err
	}))

	balance, err := store.Balance(ctx, alice)
	assert.Nil(t, err)
	check.Equal(t, "7", balance.String())
}

func TestAtomicRollsBackOnInsufficientFunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	creator := identityFor(t, 1)
	bidder := identityFor(t, 2)
	addr := core.DeriveAddress("auction", "itemA")

	assert.Nil(t, store.Deposit(ctx, bidder, decimal.NewFromInt(3)))
	assert.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateAuction(ctx, addr, newAuction(t, creator, "itemA"))
	}))

	// Delete then fail the transfer: neither change may persist
	err := store.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.DeleteAuction(ctx, addr); err != nil {
			return err
		}
		_, err := tx.Transfer(ctx, bidder, creator, decimal.NewFromInt(10), "itemA")
		return err
	})
	check.True(t, errors.Is(err, storage.ErrInsufficientFunds))

	_, err = store.GetAuction(ctx, addr)
	check.Nil(t, err)

	balance, err := store.Balance(ctx, bidder)
	assert.Nil(t, err)
	check.Equal(t, "3", balance.String())

	history, err := store.Transfers(ctx, bidder, 0)
	assert.Nil(t, err)
	check.Equal(t, 0, len(history))
}

func TestAtomicHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.Atomic(ctx, func(storage.Tx) error {
		called = true
		return nil
	})
	check.True(t, errors.Is(err, context.Canceled))
	check.True(t, !called)
}

func TestConsumeRequestRejectsSecondUse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	key := storage.RequestKey{Op: "close", Address: core.DeriveAddress("auction", "itemA"), StartedAt: 1700000000}

	assert.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.ConsumeRequest(ctx, key)
	}))

	err := store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.ConsumeRequest(ctx, key)
	})
	check.True(t, errors.Is(err, storage.ErrRequestReplayed))

	// A different instance of the same name is a different request
	later := key
	later.StartedAt += 60
	check.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.ConsumeRequest(ctx, later)
	}))
}

func TestConsumeRequestRollsBackWithTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	key := storage.RequestKey{Op: "bid", Address: core.DeriveAddress("auction", "itemA"), StartedAt: 1700000000, Amount: 9}

	err := store.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.ConsumeRequest(ctx, key); err != nil {
			return err
		}
		return storage.ErrInsufficientFunds
	})
	check.True(t, errors.Is(err, storage.ErrInsufficientFunds))

	check.Nil(t, store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.ConsumeRequest(ctx, key)
	}))
}

func TestAtomicReleasesConnectionOnPanic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	addr := core.DeriveAddress("auction", "itemA")

	func() {
		defer func() {
			check.NotNil(t, recover())
		}()
		_ = store.Atomic(ctx, func(tx storage.Tx) error {
			if err := tx.CreateAuction(ctx, addr, newAuction(t, identityFor(t, 1), "itemA")); err != nil {
				return err
			}
			panic("boom")
		})
	}()

	// The panicking transaction was rolled back and the connection returned to the pool
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := store.GetAuction(timeoutCtx, addr)
	check.True(t, errors.Is(err, storage.ErrAuctionNotFound))

	check.Nil(t, store.Atomic(timeoutCtx, func(tx storage.Tx) error {
		return tx.CreateAuction(timeoutCtx, addr, newAuction(t, identityFor(t, 2), "itemA"))
	}))
}
