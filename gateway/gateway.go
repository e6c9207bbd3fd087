// Package gateway turns wire requests into verified auction transitions.
// Both the connection server and the HTTP API route through a Gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudx-io/timedauction/api"
	"github.com/cloudx-io/timedauction/auction"
	"github.com/cloudx-io/timedauction/authn"
	"github.com/cloudx-io/timedauction/core"
)

const defaultTransferLimit = 20

// Gateway authenticates requests and runs them against the auction service.
type Gateway struct {
	svc *auction.Service
	log zerolog.Logger
}

// New returns a gateway over svc.
func New(svc *auction.Service, log zerolog.Logger) *Gateway {
	return &Gateway{svc: svc, log: log}
}

// Handle decodes one raw request, dispatches it on its type field and returns the response.
func (g *Gateway) Handle(ctx context.Context, raw []byte) api.Response {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return api.ErrorResponse(api.CodeBadRequest, fmt.Sprintf("Failed to decode request: %v", err))
	}

	g.log.Debug().Str("type", base.Type).Msg("Received request")

	switch base.Type {
	case api.TypePing:
		return g.Ping()

	case api.TypeOpenRequest, api.TypeBidRequest, api.TypeCloseRequest:
		var req api.SignedRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return api.ErrorResponse(api.CodeBadRequest, fmt.Sprintf("Failed to decode %s: %v", base.Type, err))
		}
		switch base.Type {
		case api.TypeOpenRequest:
			return g.Open(ctx, req.Envelope)
		case api.TypeBidRequest:
			return g.Bid(ctx, "", req.Envelope)
		default:
			return g.Close(ctx, "", req.Envelope)
		}

	case api.TypeAuctionQuery:
		var q api.AuctionQuery
		if err := json.Unmarshal(raw, &q); err != nil {
			return api.ErrorResponse(api.CodeBadRequest, fmt.Sprintf("Failed to decode auction query: %v", err))
		}
		return g.Auction(ctx, q.Name)

	case api.TypeBalanceQuery:
		var q api.BalanceQuery
		if err := json.Unmarshal(raw, &q); err != nil {
			return api.ErrorResponse(api.CodeBadRequest, fmt.Sprintf("Failed to decode balance query: %v", err))
		}
		return g.Account(ctx, q.Identity, q.Limit)

	default:
		return api.ErrorResponse(api.CodeBadRequest, fmt.Sprintf("Unknown request type: %s", base.Type))
	}
}

// Ping reports liveness.
func (g *Gateway) Ping() api.Response {
	return api.Response{
		Type:      api.TypePong,
		Success:   true,
		Message:   "auction server is healthy",
		Timestamp: time.Now().Unix(),
	}
}

// Open verifies and runs an open request.
func (g *Gateway) Open(ctx context.Context, envelope api.SignedEnvelopeBase64) api.Response {
	var payload api.OpenPayload
	signers, err := verify(envelope, api.OpOpen, &payload, func() string { return payload.Op })
	if err != nil {
		return g.fail(err)
	}

	a, err := g.svc.Open(ctx, signers, payload.Params())
	if err != nil {
		return g.fail(err)
	}
	return auctionResponse(g.svc.Address(a.Name), a)
}

// Bid verifies and runs a bid request. A non-empty name must match the signed payload.
func (g *Gateway) Bid(ctx context.Context, name string, envelope api.SignedEnvelopeBase64) api.Response {
	var payload api.BidPayload
	signers, err := verify(envelope, api.OpBid, &payload, func() string { return payload.Op })
	if err != nil {
		return g.fail(err)
	}
	if err := matchName(name, payload.Name); err != nil {
		return g.fail(err)
	}

	a, err := g.svc.Bid(ctx, signers, payload.Name, payload.StartedAt, payload.Amount)
	if err != nil {
		return g.fail(err)
	}
	return auctionResponse(g.svc.Address(a.Name), a)
}

// Close verifies and runs a close request. A non-empty name must match the signed payload.
func (g *Gateway) Close(ctx context.Context, name string, envelope api.SignedEnvelopeBase64) api.Response {
	var payload api.ClosePayload
	signers, err := verify(envelope, api.OpClose, &payload, func() string { return payload.Op })
	if err != nil {
		return g.fail(err)
	}
	if err := matchName(name, payload.Name); err != nil {
		return g.fail(err)
	}

	result, err := g.svc.Close(ctx, signers, payload.Name, payload.StartedAt)
	if err != nil {
		return g.fail(err)
	}

	settlement := &api.Settlement{Settled: false, SettledAt: result.ClosedAt}
	if t := result.Transfer; t != nil {
		settlement = &api.Settlement{
			Settled:    true,
			TransferID: t.ID,
			From:       t.From.String(),
			To:         t.To.String(),
			Amount:     t.Amount.String(),
			SettledAt:  t.CreatedAt,
		}
	}
	return api.Response{
		Type:       api.TypeCloseResponse,
		Success:    true,
		Auction:    api.NewAuctionView(result.Address, result.Auction),
		Settlement: settlement,
	}
}

// Auction returns the live auction called name.
func (g *Gateway) Auction(ctx context.Context, name string) api.Response {
	a, addr, err := g.svc.Get(ctx, name)
	if err != nil {
		return g.fail(err)
	}
	return auctionResponse(addr, a)
}

// Account returns the balance and recent transfers of identity.
func (g *Gateway) Account(ctx context.Context, identity string, limit int) api.Response {
	id, err := core.ParseIdentity(identity)
	if err != nil {
		return g.fail(api.BadRequest("invalid identity: %v", err))
	}
	if limit <= 0 {
		limit = defaultTransferLimit
	}

	balance, err := g.svc.Balance(ctx, id)
	if err != nil {
		return g.fail(err)
	}
	transfers, err := g.svc.Transfers(ctx, id, limit)
	if err != nil {
		return g.fail(err)
	}

	resp := api.Response{
		Type:     api.TypeBalanceResponse,
		Success:  true,
		Identity: id.String(),
		Balance:  balance.String(),
	}
	for _, t := range transfers {
		resp.Transfers = append(resp.Transfers, api.TransferView{
			ID:        t.ID,
			From:      t.From.String(),
			To:        t.To.String(),
			Amount:    t.Amount.String(),
			Memo:      t.Memo,
			CreatedAt: t.CreatedAt,
		})
	}
	return resp
}

func (g *Gateway) fail(err error) api.Response {
	resp := api.ErrorResponseFor(err)
	if resp.Code == string(api.CodeInternal) {
		g.log.Error().Err(err).Msg("Request failed")
	}
	return resp
}

func auctionResponse(addr core.Address, a *core.Auction) api.Response {
	return api.Response{
		Type:    api.TypeAuctionResponse,
		Success: true,
		Auction: api.NewAuctionView(addr, a),
	}
}

// verify authenticates envelope, decodes its payload into dst and checks the bound operation.
func verify(envelope api.SignedEnvelopeBase64, op string, dst any, gotOp func() string) (core.Signers, error) {
	raw, err := envelope.Decode()
	if err != nil {
		return nil, api.BadRequest("invalid envelope: %v", err)
	}

	payload, signers, err := authn.Verify(raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return nil, api.BadRequest("invalid %s payload: %v", op, err)
	}
	if gotOp() != op {
		return nil, api.BadRequest("payload op %q does not match %q", gotOp(), op)
	}
	return signers, nil
}

func matchName(pathName, payloadName string) error {
	if pathName != "" && pathName != payloadName {
		return api.BadRequest("auction name %q does not match signed payload %q", pathName, payloadName)
	}
	return nil
}
