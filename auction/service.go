// Package auction runs the auction transitions against the storage collaborator.
//
// Every transition reads, mutates and writes the record inside one storage transaction,
// so concurrent transitions on the same auction are serialized and a failed transition
// leaves no partial effect. Events are published after commit.
package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/timedauction/core"
	"github.com/cloudx-io/timedauction/events"
	"github.com/cloudx-io/timedauction/storage"
)

const publishTimeout = 5 * time.Second

const (
	opBid   = "bid"
	opClose = "close"
)

// Service executes auction transitions for verified signers.
type Service struct {
	store     storage.Store
	namespace string
	clock     core.Clock
	publisher events.Publisher
	log       zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock, for tests.
func WithClock(clock core.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithPublisher sets the event publisher. Events are dropped by default.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the service logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// NewService returns a service deriving auction addresses under namespace.
func NewService(store storage.Store, namespace string, opts ...Option) *Service {
	s := &Service{
		store:     store,
		namespace: namespace,
		clock:     core.SystemClock,
		publisher: events.Nop{},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address returns the storage address of the auction called name.
func (s *Service) Address(name string) core.Address {
	return core.DeriveAddress(s.namespace, name)
}

// Open creates an auction owned by the single signer.
func (s *Service) Open(ctx context.Context, signers core.Signers, params core.OpenParams) (*core.Auction, error) {
	creator, err := core.AuthorizeOpen(signers)
	if err != nil {
		return nil, s.rejected("open", params.Name, err)
	}

	now := s.clock.Now()
	a, err := core.Open(creator, params, now)
	if err != nil {
		return nil, s.rejected("open", params.Name, err)
	}

	addr := s.Address(params.Name)
	err = s.store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateAuction(ctx, addr, a)
	})
	if err != nil {
		return nil, s.rejected("open", params.Name, err)
	}

	s.log.Info().
		Str("auction", a.Name).
		Str("address", addr.String()).
		Str("creator", creator.Short()).
		Int64("started_at", a.StartedAt).
		Uint8("min_bid", params.MinBid).
		Uint8("duration", a.Duration).
		Msg("Auction opened")

	s.publish(events.New(events.TypeOpened, addr, a.Name, creator, a.LastBid, now))
	return a, nil
}

// Bid records amount as the new highest bid by the single signer. startedAt must be the
// StartedAt of the live record called name.
func (s *Service) Bid(ctx context.Context, signers core.Signers, name string, startedAt int64, amount uint8) (*core.Auction, error) {
	bidder, err := core.AuthorizeBid(signers)
	if err != nil {
		return nil, s.rejected(opBid, name, err)
	}

	now := s.clock.Now()
	addr := s.Address(name)
	var updated *core.Auction
	err = s.store.Atomic(ctx, func(tx storage.Tx) error {
		a, err := tx.GetAuction(ctx, addr)
		if err != nil {
			return err
		}
		if err := core.AuthorizeInstance(a, startedAt); err != nil {
			return err
		}
		if err := a.Bid(bidder, amount); err != nil {
			return err
		}
		key := storage.RequestKey{Op: opBid, Address: addr, StartedAt: startedAt, Amount: amount}
		if err := tx.ConsumeRequest(ctx, key); err != nil {
			return err
		}
		if err := tx.UpdateAuction(ctx, addr, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, s.rejected(opBid, name, err)
	}

	s.log.Info().
		Str("auction", name).
		Str("bidder", bidder.Short()).
		Uint8("amount", amount).
		Msg("Bid accepted")

	s.publish(events.New(events.TypeBid, addr, name, bidder, amount, now))
	return updated, nil
}

// CloseResult describes a completed close.
type CloseResult struct {
	Auction  *core.Auction     // final state, with HasEnded set
	Address  core.Address
	Transfer *storage.Transfer // nil when the auction had no bids
	ClosedAt time.Time
}

// Close ends the auction, pays the creator from the winner and destroys the record,
// all in one transaction. The creator must sign, and so must the winner if there is one.
// startedAt must be the StartedAt of the live record called name.
func (s *Service) Close(ctx context.Context, signers core.Signers, name string, startedAt int64) (*CloseResult, error) {
	addr := s.Address(name)
	now := s.clock.Now()

	result := &CloseResult{Address: addr, ClosedAt: now.UTC()}
	err := s.store.Atomic(ctx, func(tx storage.Tx) error {
		a, err := tx.GetAuction(ctx, addr)
		if err != nil {
			return err
		}
		if err := core.AuthorizeInstance(a, startedAt); err != nil {
			return err
		}
		if err := core.AuthorizeClose(a, signers); err != nil {
			return err
		}

		settlement, err := a.Close(now)
		if err != nil {
			return err
		}
		result.Auction = a

		if err := tx.ConsumeRequest(ctx, storage.RequestKey{Op: opClose, Address: addr, StartedAt: startedAt}); err != nil {
			return err
		}

		if settlement != nil {
			transfer, err := tx.Transfer(ctx, settlement.From, settlement.To,
				decimal.NewFromInt(int64(settlement.Amount)), "auction:"+name)
			if err != nil {
				return fmt.Errorf("settle auction %s: %w", name, err)
			}
			result.Transfer = transfer
		}

		return tx.DeleteAuction(ctx, addr)
	})
	if err != nil {
		return nil, s.rejected(opClose, name, err)
	}

	logEvent := s.log.Info().
		Str("auction", name).
		Str("creator", result.Auction.Creator.Short())
	if result.Transfer != nil {
		logEvent = logEvent.
			Str("winner", result.Transfer.From.Short()).
			Str("amount", result.Transfer.Amount.String()).
			Str("transfer_id", result.Transfer.ID)
	}
	logEvent.Msg("Auction closed")

	event := events.New(events.TypeClosed, addr, name, result.Auction.Creator, 0, now)
	if result.Transfer != nil {
		event.Amount = result.Auction.LastBid
		event.Winner = result.Transfer.From
		event.TransferID = result.Transfer.ID
	}
	s.publish(event)
	return result, nil
}

// Get returns the live auction called name.
func (s *Service) Get(ctx context.Context, name string) (*core.Auction, core.Address, error) {
	addr := s.Address(name)
	a, err := s.store.GetAuction(ctx, addr)
	if err != nil {
		return nil, addr, err
	}
	return a, addr, nil
}

// Balance returns the ledger balance of id.
func (s *Service) Balance(ctx context.Context, id core.Identity) (decimal.Decimal, error) {
	return s.store.Balance(ctx, id)
}

// Transfers returns the most recent ledger movements involving id.
func (s *Service) Transfers(ctx context.Context, id core.Identity, limit int) ([]storage.Transfer, error) {
	return s.store.Transfers(ctx, id, limit)
}

// rejected logs a failed transition and returns err unchanged.
func (s *Service) rejected(op, name string, err error) error {
	level := zerolog.WarnLevel
	code, isTransition := core.CodeOf(err)
	switch {
	case isTransition:
		level = zerolog.InfoLevel
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		level = zerolog.DebugLevel
	}
	s.log.WithLevel(level).
		Err(err).
		Str("op", op).
		Str("auction", name).
		Str("code", string(code)).
		Msg("Transition rejected")
	return err
}

func (s *Service) publish(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Error().Err(err).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Str("auction", event.Name).
			Msg("Failed to publish event")
	}
}
