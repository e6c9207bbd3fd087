package core

import "time"

// Clock provides the current time to time-gated transitions.
// This interface enables dependency injection for deterministic testing.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SystemClock is the wall clock used in production.
var SystemClock Clock = systemClock{}

// Open creates a new auction record owned by creator.
//
// The record starts with no winner and with LastBid set to the minimum bid, so the first
// accepted bid must strictly exceed MinBid.
func Open(creator Identity, params OpenParams, now time.Time) (*Auction, error) {
	if len(params.Name) > MaxStrLen || len(params.NameOfItem) > MaxStrLen {
		return nil, ErrMaxStrLenExceeded
	}

	return &Auction{
		Creator:    creator,
		Name:       params.Name,
		Duration:   params.Duration,
		StartedAt:  now.Unix(),
		HasEnded:   false,
		NameOfItem: params.NameOfItem,
		LastBid:    params.MinBid,
		Winner:     nil,
	}, nil
}

// Bid records amount as the new highest bid placed by bidder.
// No funds move on bid; the winner pays at close.
func (a *Auction) Bid(bidder Identity, amount uint8) error {
	if a.HasEnded {
		return ErrHasClosed
	}
	if amount <= a.LastBid {
		return ErrInsufficientBid
	}

	a.LastBid = amount
	winner := bidder
	a.Winner = &winner
	return nil
}

// ElapsedMinutes returns the whole minutes elapsed since the auction started,
// truncated toward zero.
func (a *Auction) ElapsedMinutes(now time.Time) int64 {
	return (now.Unix() - a.StartedAt) / 60
}

// Close ends the auction and returns the settlement the caller must perform.
// A nil settlement with a nil error means the auction closed without bids.
//
// Close mutates the record only on success. The caller is responsible for making the
// ended flag, the settlement transfer and the record's destruction a single atomic step.
func (a *Auction) Close(now time.Time) (*Settlement, error) {
	if a.HasEnded {
		return nil, ErrHasClosed
	}
	if a.ElapsedMinutes(now) < int64(a.Duration) {
		return nil, ErrHasNotClosed
	}

	a.HasEnded = true

	if !a.HasWinner() {
		return nil, nil
	}
	return &Settlement{
		From:   *a.Winner,
		To:     a.Creator,
		Amount: a.LastBid,
	}, nil
}
