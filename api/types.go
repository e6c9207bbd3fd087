// Package api defines the wire types shared by the connection server, the HTTP
// gateway and the client.
package api

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cloudx-io/timedauction/core"
)

// Request type discriminators accepted by the connection server.
const (
	TypePing         = "ping"
	TypeOpenRequest  = "open_request"
	TypeBidRequest   = "bid_request"
	TypeCloseRequest = "close_request"
	TypeAuctionQuery = "auction_query"
	TypeBalanceQuery = "balance_query"
)

// Response type discriminators.
const (
	TypePong            = "pong"
	TypeAuctionResponse = "auction_response"
	TypeCloseResponse   = "close_response"
	TypeBalanceResponse = "balance_response"
	TypeError           = "error"
)

// Operations bound into signed payloads, so a signature over one operation cannot be
// replayed as another.
const (
	OpOpen  = "open"
	OpBid   = "bid"
	OpClose = "close"
)

// SignedEnvelope is a raw COSE_Sign message.
type SignedEnvelope []byte

// SignedEnvelopeBase64 is a standard base64 encoding of a SignedEnvelope.
type SignedEnvelopeBase64 string

// EncodeBase64 encodes the envelope for JSON transport.
func (e SignedEnvelope) EncodeBase64() SignedEnvelopeBase64 {
	return SignedEnvelopeBase64(base64.StdEncoding.EncodeToString(e))
}

// Decode returns the raw COSE_Sign bytes. Surrounding whitespace is ignored.
func (e SignedEnvelopeBase64) Decode() (SignedEnvelope, error) {
	s := strings.TrimSpace(string(e))
	if s == "" {
		return nil, fmt.Errorf("empty envelope")
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode envelope base64: %w", err)
	}
	return raw, nil
}

func (e SignedEnvelopeBase64) String() string {
	return string(e)
}

// OpenPayload is the signed body of an open request.
type OpenPayload struct {
	Op         string `json:"op"`
	Name       string `json:"name"`
	NameOfItem string `json:"name_of_item"`
	MinBid     uint8  `json:"min_bid"`
	Duration   uint8  `json:"duration"` // minutes
}

// Params converts the payload into core open parameters.
func (p OpenPayload) Params() core.OpenParams {
	return core.OpenParams{
		Name:       p.Name,
		NameOfItem: p.NameOfItem,
		MinBid:     p.MinBid,
		Duration:   p.Duration,
	}
}

// BidPayload is the signed body of a bid request. StartedAt is the unix started_at of
// the auction being bid on, so the signature is void for any later auction reusing Name.
type BidPayload struct {
	Op        string `json:"op"`
	Name      string `json:"name"`
	StartedAt int64  `json:"started_at"`
	Amount    uint8  `json:"amount"`
}

// ClosePayload is the signed body of a close request, bound to one auction instance
// like BidPayload.
type ClosePayload struct {
	Op        string `json:"op"`
	Name      string `json:"name"`
	StartedAt int64  `json:"started_at"`
}

// SignedRequest carries a signed payload to the connection server.
// The HTTP gateway accepts the same body without the type field.
type SignedRequest struct {
	Type     string               `json:"type,omitempty"`
	Envelope SignedEnvelopeBase64 `json:"envelope"`
}

// AuctionQuery looks up an auction by name.
type AuctionQuery struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// BalanceQuery looks up an account balance and its recent transfers.
type BalanceQuery struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	Limit    int    `json:"limit,omitempty"`
}

// AuctionView is the client-facing view of an auction record.
type AuctionView struct {
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	NameOfItem  string    `json:"name_of_item"`
	Creator     string    `json:"creator"`
	Duration    uint8     `json:"duration"`
	StartedAt   time.Time `json:"started_at"`
	CloseableAt time.Time `json:"closeable_at"`
	HasEnded    bool      `json:"has_ended"`
	LastBid     uint8     `json:"last_bid"`
	Winner      string    `json:"winner,omitempty"`
}

// NewAuctionView builds the view of a record stored at addr.
func NewAuctionView(addr core.Address, a *core.Auction) *AuctionView {
	view := &AuctionView{
		Address:     string(addr),
		Name:        a.Name,
		NameOfItem:  a.NameOfItem,
		Creator:     a.Creator.String(),
		Duration:    a.Duration,
		StartedAt:   a.StartedTime(),
		CloseableAt: a.CloseableAt(),
		HasEnded:    a.HasEnded,
		LastBid:     a.LastBid,
	}
	if a.Winner != nil {
		view.Winner = a.Winner.String()
	}
	return view
}

// Settlement is the receipt of a close. Settled is false when the auction had no bids.
type Settlement struct {
	Settled    bool      `json:"settled"`
	TransferID string    `json:"transfer_id,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	SettledAt  time.Time `json:"settled_at"`
}

// TransferView is one ledger movement.
type TransferView struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Response is returned for every request on both transports.
type Response struct {
	Type       string         `json:"type"`
	Success    bool           `json:"success"`
	Code       string         `json:"code,omitempty"`
	Message    string         `json:"message,omitempty"`
	Auction    *AuctionView   `json:"auction,omitempty"`
	Settlement *Settlement    `json:"settlement,omitempty"`
	Identity   string         `json:"identity,omitempty"`
	Balance    string         `json:"balance,omitempty"`
	Transfers  []TransferView `json:"transfers,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
}

// ErrorResponse builds a failed response.
func ErrorResponse(code Code, message string) Response {
	return Response{
		Type:    TypeError,
		Success: false,
		Code:    string(code),
		Message: message,
	}
}

// Err returns the response's failure as an error, or nil on success.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return &ResponseError{Code: Code(r.Code), Message: r.Message}
}
