package core

import "slices"

// Signers are the identities whose signatures were verified for one request.
type Signers []Identity

// Contains reports whether id signed the request.
func (s Signers) Contains(id Identity) bool {
	return slices.Contains(s, id)
}

// sole returns the only signer of a single-party request.
func (s Signers) sole() (Identity, error) {
	if len(s) != 1 {
		return "", ErrSignerRequired
	}
	return s[0], nil
}

// AuthorizeOpen returns the creator of a new auction.
func AuthorizeOpen(signers Signers) (Identity, error) {
	return signers.sole()
}

// AuthorizeBid returns the bidder.
func AuthorizeBid(signers Signers) (Identity, error) {
	return signers.sole()
}

// AuthorizeClose checks that both transfer endpoints signed the close:
// the creator always, the winner whenever a bid was accepted.
func AuthorizeClose(a *Auction, signers Signers) error {
	if !signers.Contains(a.Creator) {
		return ErrNotCreator
	}
	if a.HasWinner() && !signers.Contains(*a.Winner) {
		return ErrNotWinner
	}
	return nil
}

// AuthorizeInstance checks that a signed bid or close names this record's start time.
// A name is reusable once its record is destroyed, so without this a request signed for
// an earlier auction could be replayed against a later one.
func AuthorizeInstance(a *Auction, startedAt int64) error {
	if a.StartedAt != startedAt {
		return ErrStaleRequest
	}
	return nil
}
