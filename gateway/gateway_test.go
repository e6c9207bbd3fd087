package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/timedauction/api"
	"github.com/cloudx-io/timedauction/auction"
	"github.com/cloudx-io/timedauction/authn"
	"github.com/cloudx-io/timedauction/client"
	"github.com/cloudx-io/timedauction/core"
	"github.com/cloudx-io/timedauction/storage/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func keyFor(seed byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
}

func identityOf(t *testing.T, key ed25519.PrivateKey) core.Identity {
	t.Helper()
	id, err := authn.IdentityOf(key)
	assert.NoError(t, err)
	return id
}

func newGateway(t *testing.T) (*Gateway, *sqlite.Store, *fakeClock) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auction.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := auction.NewService(store, "test", auction.WithClock(clock))
	return New(svc, zerolog.Nop()), store, clock
}

func envelope(t *testing.T, payload any, keys ...ed25519.PrivateKey) api.SignedEnvelopeBase64 {
	t.Helper()
	env, err := client.Envelope(payload, keys...)
	assert.NoError(t, err)
	return env
}

func handle(t *testing.T, g *Gateway, req any) api.Response {
	t.Helper()
	raw, err := json.Marshal(req)
	assert.NoError(t, err)
	return g.Handle(context.Background(), raw)
}

func TestGateway_OpenBidClose(t *testing.T) {
	g, store, clock := newGateway(t)
	ctx := context.Background()
	creator, bidder := keyFor(1), keyFor(2)
	assert.NoError(t, store.Deposit(ctx, identityOf(t, bidder), decimal.NewFromInt(50)))

	resp := g.Open(ctx, envelope(t, api.OpenPayload{Op: api.OpOpen, Name: "itemA", NameOfItem: "widget", MinBid: 5, Duration: 1}, creator))
	assert.True(t, resp.Success)
	check.Equal(t, api.TypeAuctionResponse, resp.Type)
	check.Equal(t, string(g.svc.Address("itemA")), resp.Auction.Address)
	check.Equal(t, identityOf(t, creator).String(), resp.Auction.Creator)
	startedAt := resp.Auction.StartedAt.Unix()

	resp = g.Bid(ctx, "itemA", envelope(t, api.BidPayload{Op: api.OpBid, Name: "itemA", StartedAt: startedAt, Amount: 12}, bidder))
	assert.True(t, resp.Success)
	check.Equal(t, uint8(12), resp.Auction.LastBid)
	check.Equal(t, identityOf(t, bidder).String(), resp.Auction.Winner)

	clock.Advance(time.Minute)
	resp = g.Close(ctx, "itemA", envelope(t, api.ClosePayload{Op: api.OpClose, Name: "itemA", StartedAt: startedAt}, creator, bidder))
	assert.True(t, resp.Success)
	check.Equal(t, api.TypeCloseResponse, resp.Type)
	assert.NotNil(t, resp.Settlement)
	check.True(t, resp.Settlement.Settled)
	check.Equal(t, "12", resp.Settlement.Amount)
	check.True(t, resp.Auction.HasEnded)

	resp = g.Account(ctx, identityOf(t, creator).String(), 0)
	assert.True(t, resp.Success)
	check.Equal(t, "12", resp.Balance)
	check.Equal(t, 1, len(resp.Transfers))

	resp = g.Auction(ctx, "itemA")
	check.Equal(t, string(api.CodeAuctionNotFound), resp.Code)
}

func TestGateway_CloseWithoutBidsIsUnsettled(t *testing.T) {
	g, _, clock := newGateway(t)
	ctx := context.Background()
	creator := keyFor(1)

	resp := g.Open(ctx, envelope(t, api.OpenPayload{Op: api.OpOpen, Name: "itemA", NameOfItem: "widget", MinBid: 5, Duration: 1}, creator))
	assert.True(t, resp.Success)

	clock.Advance(time.Minute)
	resp = g.Close(ctx, "", envelope(t, api.ClosePayload{Op: api.OpClose, Name: "itemA", StartedAt: resp.Auction.StartedAt.Unix()}, creator))
	assert.True(t, resp.Success)
	check.True(t, !resp.Settlement.Settled)
	check.Equal(t, "", resp.Settlement.TransferID)
}

func TestGateway_RejectsReplayedOperation(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := context.Background()

	// A payload signed for a bid must not be accepted as an open
	env := envelope(t, api.BidPayload{Op: api.OpBid, Name: "itemA", Amount: 12}, keyFor(2))
	resp := g.Open(ctx, env)
	check.Equal(t, string(api.CodeBadRequest), resp.Code)
}

func TestGateway_RejectsPathNameMismatch(t *testing.T) {
	g, _, _ := newGateway(t)
	resp := g.Bid(context.Background(), "itemB", envelope(t, api.BidPayload{Op: api.OpBid, Name: "itemA", Amount: 12}, keyFor(2)))
	check.Equal(t, string(api.CodeBadRequest), resp.Code)
}

func TestGateway_RejectsBadEnvelopes(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := context.Background()

	resp := g.Open(ctx, "")
	check.Equal(t, string(api.CodeBadRequest), resp.Code)

	resp = g.Open(ctx, api.SignedEnvelope([]byte("not cose")).EncodeBase64())
	check.Equal(t, string(api.CodeUnauthenticated), resp.Code)
}

func TestGateway_SurfacesTransitionCodes(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := context.Background()
	creator := keyFor(1)

	resp := g.Open(ctx, envelope(t, api.OpenPayload{Op: api.OpOpen, Name: "itemA", NameOfItem: "widget", MinBid: 5, Duration: 1}, creator))
	assert.True(t, resp.Success)
	startedAt := resp.Auction.StartedAt.Unix()

	resp = g.Bid(ctx, "", envelope(t, api.BidPayload{Op: api.OpBid, Name: "itemA", StartedAt: startedAt, Amount: 5}, keyFor(2)))
	check.Equal(t, string(core.CodeInsufficientBid), resp.Code)

	resp = g.Bid(ctx, "", envelope(t, api.BidPayload{Op: api.OpBid, Name: "itemA", Amount: 9}, keyFor(2)))
	check.Equal(t, string(core.CodeStaleRequest), resp.Code)

	resp = g.Close(ctx, "", envelope(t, api.ClosePayload{Op: api.OpClose, Name: "itemA", StartedAt: startedAt}, creator))
	check.Equal(t, string(core.CodeHasNotClosed), resp.Code)

	resp = g.Open(ctx, envelope(t, api.OpenPayload{Op: api.OpOpen, Name: "itemA", NameOfItem: "other", MinBid: 1, Duration: 1}, keyFor(3)))
	check.Equal(t, string(api.CodeAuctionExists), resp.Code)

	resp = g.Open(ctx, envelope(t, api.OpenPayload{Op: api.OpOpen, Name: "itemAAAAAAAA", NameOfItem: "x", MinBid: 1, Duration: 1}, creator))
	check.Equal(t, string(core.CodeMaxStrLenExceeded), resp.Code)
}

func TestGateway_HandleDispatch(t *testing.T) {
	g, _, _ := newGateway(t)

	resp := handle(t, g, map[string]string{"type": api.TypePing})
	check.Equal(t, api.TypePong, resp.Type)
	check.True(t, resp.Success)

	resp = handle(t, g, map[string]string{"type": "key_request"})
	check.Equal(t, api.TypeError, resp.Type)
	check.Equal(t, string(api.CodeBadRequest), resp.Code)

	resp = g.Handle(context.Background(), []byte("{not json"))
	check.Equal(t, string(api.CodeBadRequest), resp.Code)

	env := envelope(t, api.OpenPayload{Op: api.OpOpen, Name: "itemA", NameOfItem: "widget", MinBid: 5, Duration: 1}, keyFor(1))
	resp = handle(t, g, api.SignedRequest{Type: api.TypeOpenRequest, Envelope: env})
	assert.True(t, resp.Success)

	resp = handle(t, g, api.AuctionQuery{Type: api.TypeAuctionQuery, Name: "itemA"})
	assert.True(t, resp.Success)
	check.Equal(t, "widget", resp.Auction.NameOfItem)

	resp = handle(t, g, api.BalanceQuery{Type: api.TypeBalanceQuery, Identity: "zz"})
	check.Equal(t, string(api.CodeBadRequest), resp.Code)
}

func TestGateway_RejectsEnvelopesFromEarlierAuction(t *testing.T) {
	g, store, clock := newGateway(t)
	ctx := context.Background()
	creator, winner := keyFor(1), keyFor(2)
	creatorID, winnerID := identityOf(t, creator), identityOf(t, winner)
	assert.NoError(t, store.Deposit(ctx, winnerID, decimal.NewFromInt(30)))

	openEnv := envelope(t, api.OpenPayload{Op: api.OpOpen, Name: "lamp", NameOfItem: "brass", MinBid: 1, Duration: 1}, creator)
	resp := g.Open(ctx, openEnv)
	assert.True(t, resp.Success)
	startedAt := resp.Auction.StartedAt.Unix()

	bidEnv := envelope(t, api.BidPayload{Op: api.OpBid, Name: "lamp", StartedAt: startedAt, Amount: 10}, winner)
	closeEnv := envelope(t, api.ClosePayload{Op: api.OpClose, Name: "lamp", StartedAt: startedAt}, creator, winner)

	assert.True(t, g.Bid(ctx, "lamp", bidEnv).Success)
	clock.Advance(time.Minute)
	assert.True(t, g.Close(ctx, "lamp", closeEnv).Success)

	// Reopening the freed name and resubmitting the same envelopes moves no funds
	clock.Advance(time.Second)
	resp = g.Open(ctx, openEnv)
	assert.True(t, resp.Success)

	resp = g.Bid(ctx, "lamp", bidEnv)
	check.Equal(t, string(core.CodeStaleRequest), resp.Code)

	clock.Advance(time.Minute)
	resp = g.Close(ctx, "lamp", closeEnv)
	check.Equal(t, string(core.CodeStaleRequest), resp.Code)

	winnerBalance, err := store.Balance(ctx, winnerID)
	assert.NoError(t, err)
	check.Equal(t, "20", winnerBalance.String())
	creatorBalance, err := store.Balance(ctx, creatorID)
	assert.NoError(t, err)
	check.Equal(t, "10", creatorBalance.String())

	resp = g.Auction(ctx, "lamp")
	assert.True(t, resp.Success)
	check.Equal(t, "", resp.Auction.Winner)
	check.True(t, !resp.Auction.HasEnded)
}
