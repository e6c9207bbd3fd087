package core

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MaxStrLen is the maximum length in bytes of an auction name and of its item name.
const MaxStrLen = 10

// Identity is a verified caller identity: the lowercase hex encoding of an Ed25519 public key.
type Identity string

// ParseIdentity validates and normalizes a hex-encoded Ed25519 public key.
func ParseIdentity(s string) (Identity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode identity: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid identity length: expected %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return Identity(s), nil
}

// IdentityFromPublicKey returns the identity owned by pub.
func IdentityFromPublicKey(pub ed25519.PublicKey) (Identity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key length: expected %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return Identity(hex.EncodeToString(pub)), nil
}

// PublicKey decodes the identity back into its Ed25519 public key.
func (id Identity) PublicKey() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid identity length: %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Short returns an abbreviated identity for log lines.
func (id Identity) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

func (id Identity) String() string {
	return string(id)
}

// Auction is the persisted record of one auction instance.
// The CBOR encoding is a fixed-order array: header fields first, then the item name,
// the highest bid and the optional winner.
type Auction struct {
	_          struct{}  `cbor:",toarray"`
	Creator    Identity  `json:"creator"`
	Name       string    `json:"name"`
	Duration   uint8     `json:"duration"`
	StartedAt  int64     `json:"started_at"` // unix seconds
	HasEnded   bool      `json:"has_ended"`
	NameOfItem string    `json:"name_of_item"`
	LastBid    uint8     `json:"last_bid"`
	Winner     *Identity `json:"winner,omitempty"`
}

// StartedTime returns StartedAt as a time.Time in UTC.
func (a *Auction) StartedTime() time.Time {
	return time.Unix(a.StartedAt, 0).UTC()
}

// CloseableAt returns the earliest instant at which Close succeeds.
func (a *Auction) CloseableAt() time.Time {
	return a.StartedTime().Add(time.Duration(a.Duration) * time.Minute)
}

// HasWinner reports whether at least one bid was accepted.
func (a *Auction) HasWinner() bool {
	return a.Winner != nil
}

// OpenParams carries the creator-supplied fields of a new auction.
type OpenParams struct {
	Name       string
	NameOfItem string
	MinBid     uint8
	Duration   uint8 // minutes
}

// Settlement is the transfer a successful close must perform.
type Settlement struct {
	From   Identity // winner
	To     Identity // creator
	Amount uint8
}
