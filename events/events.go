// Package events fans committed auction transitions out to subscribers.
//
// Events are published after the transition commits and on a best-effort basis:
// a failed publish is logged by the caller and never undoes the transition.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/timedauction/core"
)

// Type names a committed transition.
type Type string

const (
	TypeOpened Type = "auction.opened"
	TypeBid    Type = "auction.bid"
	TypeClosed Type = "auction.closed"
)

// Event describes one committed transition.
type Event struct {
	ID         string        `json:"id"`
	Type       Type          `json:"type"`
	Address    core.Address  `json:"address"`
	Name       string        `json:"name"`
	Actor      core.Identity `json:"actor"`
	Amount     uint8         `json:"amount"`
	Winner     core.Identity `json:"winner,omitempty"`
	TransferID string        `json:"transfer_id,omitempty"`
	At         time.Time     `json:"at"`
}

// New builds an event with a fresh ID, stamped with the transition time at.
func New(typ Type, addr core.Address, name string, actor core.Identity, amount uint8, at time.Time) Event {
	return Event{
		ID:      uuid.New().String(),
		Type:    typ,
		Address: addr,
		Name:    name,
		Actor:   actor,
		Amount:  amount,
		At:      at.UTC(),
	}
}

// Publisher delivers events to a downstream system.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error {
	return nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
