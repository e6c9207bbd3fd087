// Package client talks to the auction connection server: one request per connection.
package client

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/cloudx-io/timedauction/api"
	"github.com/cloudx-io/timedauction/authn"
)

const defaultTimeout = 30 * time.Second

// Client sends requests to a connection server.
type Client struct {
	dial    func(ctx context.Context) (net.Conn, error)
	timeout time.Duration
}

// New returns a client for a TCP server at addr.
func New(addr string) *Client {
	var d net.Dialer
	return &Client{
		dial: func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
		timeout: defaultTimeout,
	}
}

// NewVsock returns a client for a vsock server at cid:port.
func NewVsock(cid, port uint32) *Client {
	return &Client{
		dial: func(context.Context) (net.Conn, error) {
			return vsock.Dial(cid, port, nil)
		},
		timeout: defaultTimeout,
	}
}

// WithTimeout bounds each request round trip.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Do sends req and decodes the server's response. A failed response is returned
// together with its error.
func (c *Client) Do(ctx context.Context, req any) (api.Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return api.Response{}, fmt.Errorf("dial auction server: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return api.Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp api.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return api.Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, resp.Err()
}

// Ping checks that the server is up.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, map[string]string{"type": api.TypePing})
	return err
}

// Open signs and sends an open request.
func (c *Client) Open(ctx context.Context, payload api.OpenPayload, key ed25519.PrivateKey) (api.Response, error) {
	payload.Op = api.OpOpen
	return c.signed(ctx, api.TypeOpenRequest, payload, key)
}

// Bid signs and sends a bid request against the auction instance started at startedAt.
func (c *Client) Bid(ctx context.Context, name string, startedAt int64, amount uint8, key ed25519.PrivateKey) (api.Response, error) {
	payload := api.BidPayload{Op: api.OpBid, Name: name, StartedAt: startedAt, Amount: amount}
	return c.signed(ctx, api.TypeBidRequest, payload, key)
}

// Close sends a close request signed by every key: the creator's and, when the
// auction has a winner, the winner's.
func (c *Client) Close(ctx context.Context, name string, startedAt int64, keys ...ed25519.PrivateKey) (api.Response, error) {
	payload := api.ClosePayload{Op: api.OpClose, Name: name, StartedAt: startedAt}
	return c.signed(ctx, api.TypeCloseRequest, payload, keys...)
}

// StartedAt returns the started_at of the live auction called name, for signing bids
// and closes against it.
func (c *Client) StartedAt(ctx context.Context, name string) (int64, error) {
	resp, err := c.Auction(ctx, name)
	if err != nil {
		return 0, err
	}
	if resp.Auction == nil {
		return 0, fmt.Errorf("auction %q missing from response", name)
	}
	return resp.Auction.StartedAt.Unix(), nil
}

// Auction looks up an auction by name.
func (c *Client) Auction(ctx context.Context, name string) (api.Response, error) {
	return c.Do(ctx, api.AuctionQuery{Type: api.TypeAuctionQuery, Name: name})
}

// Balance looks up the balance and recent transfers of identity.
func (c *Client) Balance(ctx context.Context, identity string) (api.Response, error) {
	return c.Do(ctx, api.BalanceQuery{Type: api.TypeBalanceQuery, Identity: identity})
}

func (c *Client) signed(ctx context.Context, typ string, payload any, keys ...ed25519.PrivateKey) (api.Response, error) {
	envelope, err := Envelope(payload, keys...)
	if err != nil {
		return api.Response{}, err
	}
	return c.Do(ctx, api.SignedRequest{Type: typ, Envelope: envelope})
}

// Envelope encodes payload as JSON and signs it with every key.
func Envelope(payload any, keys ...ed25519.PrivateKey) (api.SignedEnvelopeBase64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	envelope, err := authn.Sign(data, keys...)
	if err != nil {
		return "", err
	}
	return api.SignedEnvelope(envelope).EncodeBase64(), nil
}
