package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudx-io/timedauction/api"
	"github.com/cloudx-io/timedauction/authn"
	"github.com/cloudx-io/timedauction/client"
)

// plainTextHandler is a simple slog handler that writes plain text
// without timestamps or log levels - appropriate for CLI output
type plainTextHandler struct {
	out io.Writer
}

func (*plainTextHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *plainTextHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintln(h.out, r.Message)
	return err
}

func (h *plainTextHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *plainTextHandler) WithGroup(_ string) slog.Handler {
	return h
}

// Exit codes
const (
	exitOK       = 0
	exitRejected = 1 // the server rejected the request
	exitError    = 2 // invalid input or runtime error
)

// keyFiles collects repeated --key flags.
type keyFiles []string

func (k *keyFiles) String() string {
	return strings.Join(*k, ",")
}

func (k *keyFiles) Set(v string) error {
	*k = append(*k, v)
	return nil
}

type cli struct {
	logger *slog.Logger
	stderr io.Writer
}

func main() {
	c := &cli{logger: slog.New(&plainTextHandler{out: os.Stdout}), stderr: os.Stderr}
	os.Exit(c.run(os.Args[1:]))
}

func (c *cli) run(args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		c.showUsage()
		if len(args) == 0 {
			return exitError
		}
		return exitOK
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "keygen":
		return c.keygen(rest)
	case "identity":
		return c.identity(rest)
	case "open", "bid", "close", "get", "balance":
		return c.remote(cmd, rest)
	default:
		fmt.Fprintf(c.stderr, "Unknown command: %s\n", cmd)
		c.showUsage()
		return exitError
	}
}

func (c *cli) showUsage() {
	c.logger.Info("Timed Auction CLI")
	c.logger.Info("")
	c.logger.Info("Usage:")
	c.logger.Info("  auction-cli <command> [flags]")
	c.logger.Info("")
	c.logger.Info("Commands:")
	c.logger.Info("  keygen   --out <path>                                   Generate an Ed25519 key")
	c.logger.Info("  identity --key <path>                                   Print the identity of a key")
	c.logger.Info("  open     --key <path> --name <n> --item <i> --min-bid <b> --duration <minutes>")
	c.logger.Info("  bid      --key <path> --name <n> --amount <a>")
	c.logger.Info("  close    --key <creator> [--key <winner>] --name <n>")
	c.logger.Info("  get      --name <n>")
	c.logger.Info("  balance  --identity <hex> | --key <path>")
	c.logger.Info("")
	c.logger.Info("Common Flags:")
	c.logger.Info("  --addr <host:port>   Server address (default: $AUCTION_ADDR or 127.0.0.1:5000)")
	c.logger.Info("  --vsock <cid:port>   Connect over vsock instead of TCP")
	c.logger.Info("  --started-at <unix>  Auction instance to sign bids and closes for (default: looked up)")
	c.logger.Info("  --format <text|json> Output format (default: text)")
	c.logger.Info("")
	c.logger.Info("Exit Codes:")
	c.logger.Info("  0 - Request succeeded")
	c.logger.Info("  1 - Request rejected by the server")
	c.logger.Info("  2 - Invalid input or runtime error")
}

func (c *cli) keygen(args []string) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	out := fs.String("out", "", "Path to write the PEM private key (required)")
	if err := fs.Parse(args); err != nil || *out == "" {
		fmt.Fprintln(c.stderr, "keygen requires --out")
		return exitError
	}

	key, err := authn.GenerateKey()
	if err != nil {
		fmt.Fprintf(c.stderr, "Error generating key: %v\n", err)
		return exitError
	}
	if err := authn.SaveKey(*out, key); err != nil {
		fmt.Fprintf(c.stderr, "Error saving key: %v\n", err)
		return exitError
	}
	id, err := authn.IdentityOf(key)
	if err != nil {
		fmt.Fprintf(c.stderr, "Error deriving identity: %v\n", err)
		return exitError
	}
	c.logger.Info(id.String())
	return exitOK
}

func (c *cli) identity(args []string) int {
	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	keyPath := fs.String("key", "", "Path to a PEM private key (required)")
	if err := fs.Parse(args); err != nil || *keyPath == "" {
		fmt.Fprintln(c.stderr, "identity requires --key")
		return exitError
	}

	key, err := authn.LoadKey(*keyPath)
	if err != nil {
		fmt.Fprintf(c.stderr, "Error reading key: %v\n", err)
		return exitError
	}
	id, err := authn.IdentityOf(key)
	if err != nil {
		fmt.Fprintf(c.stderr, "Error deriving identity: %v\n", err)
		return exitError
	}
	c.logger.Info(id.String())
	return exitOK
}

func defaultAddr() string {
	if addr := os.Getenv("AUCTION_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:5000"
}

// parseVsock parses a cid:port vsock address.
func parseVsock(s string) (cid, port uint32, err error) {
	cidPart, portPart, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected cid:port, got %q", s)
	}
	c, err := strconv.ParseUint(cidPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cid %q: %w", cidPart, err)
	}
	p, err := strconv.ParseUint(portPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port %q: %w", portPart, err)
	}
	return uint32(c), uint32(p), nil
}

func (c *cli) remote(cmd string, args []string) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	var keys keyFiles
	var (
		addr      = fs.String("addr", defaultAddr(), "Server address")
		vsockAddr = fs.String("vsock", "", "vsock server address as cid:port; overrides --addr")
		startedAt = fs.Int64("started-at", 0, "started_at of the auction to bid on or close (bid, close)")
		format    = fs.String("format", "text", "Output format: text or json")
		timeout   = fs.Duration("timeout", 30*time.Second, "Request timeout")
		name      = fs.String("name", "", "Auction name")
		item      = fs.String("item", "", "Item name (open)")
		minBid    = fs.Uint("min-bid", 0, "Minimum bid (open)")
		duration  = fs.Uint("duration", 0, "Duration in minutes (open)")
		amount    = fs.Uint("amount", 0, "Bid amount (bid)")
		identity  = fs.String("identity", "", "Identity to look up (balance)")
	)
	fs.Var(&keys, "key", "Path to a PEM private key; repeat for close")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	for _, v := range []struct {
		flag  string
		value uint
	}{{"min-bid", *minBid}, {"duration", *duration}, {"amount", *amount}} {
		if v.value > 255 {
			fmt.Fprintf(c.stderr, "--%s must be between 0 and 255\n", v.flag)
			return exitError
		}
	}

	signingKeys, err := loadKeys(keys)
	if err != nil {
		fmt.Fprintf(c.stderr, "Error reading key: %v\n", err)
		return exitError
	}

	cl := client.New(*addr)
	if *vsockAddr != "" {
		cid, port, err := parseVsock(*vsockAddr)
		if err != nil {
			fmt.Fprintf(c.stderr, "Invalid --vsock: %v\n", err)
			return exitError
		}
		cl = client.NewVsock(cid, port)
	}
	cl = cl.WithTimeout(*timeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var resp api.Response
	switch cmd {
	case "open":
		if len(signingKeys) != 1 || *name == "" {
			fmt.Fprintln(c.stderr, "open requires one --key and --name")
			return exitError
		}
		resp, err = cl.Open(ctx, api.OpenPayload{
			Name:       *name,
			NameOfItem: *item,
			MinBid:     uint8(*minBid),
			Duration:   uint8(*duration),
		}, signingKeys[0])
	case "bid":
		if len(signingKeys) != 1 || *name == "" {
			fmt.Fprintln(c.stderr, "bid requires one --key and --name")
			return exitError
		}
		instance, lookupErr := c.instance(ctx, cl, *name, *startedAt)
		if lookupErr != nil {
			return c.lookupFailed(lookupErr)
		}
		resp, err = cl.Bid(ctx, *name, instance, uint8(*amount), signingKeys[0])
	case "close":
		if len(signingKeys) == 0 || *name == "" {
			fmt.Fprintln(c.stderr, "close requires --key and --name")
			return exitError
		}
		instance, lookupErr := c.instance(ctx, cl, *name, *startedAt)
		if lookupErr != nil {
			return c.lookupFailed(lookupErr)
		}
		resp, err = cl.Close(ctx, *name, instance, signingKeys...)
	case "get":
		if *name == "" {
			fmt.Fprintln(c.stderr, "get requires --name")
			return exitError
		}
		resp, err = cl.Auction(ctx, *name)
	case "balance":
		who := *identity
		if who == "" && len(signingKeys) == 1 {
			id, idErr := authn.IdentityOf(signingKeys[0])
			if idErr != nil {
				fmt.Fprintf(c.stderr, "Error deriving identity: %v\n", idErr)
				return exitError
			}
			who = id.String()
		}
		if who == "" {
			fmt.Fprintln(c.stderr, "balance requires --identity or --key")
			return exitError
		}
		resp, err = cl.Balance(ctx, who)
	}

	var respErr *api.ResponseError
	if err != nil && !errors.As(err, &respErr) {
		fmt.Fprintf(c.stderr, "Request failed: %v\n", err)
		return exitError
	}

	if *format == "json" {
		data, mErr := json.MarshalIndent(resp, "", "  ")
		if mErr != nil {
			fmt.Fprintf(c.stderr, "Error marshaling JSON: %v\n", mErr)
			return exitError
		}
		c.logger.Info(string(data))
	} else {
		c.outputText(resp)
	}

	if respErr != nil {
		return exitRejected
	}
	return exitOK
}

// instance returns startedAt, or the started_at of the live auction when it is zero.
func (*cli) instance(ctx context.Context, cl *client.Client, name string, startedAt int64) (int64, error) {
	if startedAt != 0 {
		return startedAt, nil
	}
	return cl.StartedAt(ctx, name)
}

func (c *cli) lookupFailed(err error) int {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		c.logger.Info(fmt.Sprintf("REJECTED: %s", respErr.Code))
		c.logger.Info(fmt.Sprintf("  %s", respErr.Message))
		return exitRejected
	}
	fmt.Fprintf(c.stderr, "Request failed: %v\n", err)
	return exitError
}

func loadKeys(paths []string) ([]ed25519.PrivateKey, error) {
	keys := make([]ed25519.PrivateKey, 0, len(paths))
	for _, path := range paths {
		key, err := authn.LoadKey(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (c *cli) outputText(resp api.Response) {
	if !resp.Success {
		c.logger.Info(fmt.Sprintf("REJECTED: %s", resp.Code))
		c.logger.Info(fmt.Sprintf("  %s", resp.Message))
		return
	}

	if a := resp.Auction; a != nil {
		c.logger.Info(fmt.Sprintf("Auction:      %s", a.Name))
		c.logger.Info(fmt.Sprintf("  Address:    %s", a.Address))
		c.logger.Info(fmt.Sprintf("  Item:       %s", a.NameOfItem))
		c.logger.Info(fmt.Sprintf("  Creator:    %s", a.Creator))
		c.logger.Info(fmt.Sprintf("  Started:    %s", a.StartedAt.Format(time.RFC3339)))
		c.logger.Info(fmt.Sprintf("  Closeable:  %s", a.CloseableAt.Format(time.RFC3339)))
		c.logger.Info(fmt.Sprintf("  Last bid:   %d", a.LastBid))
		if a.Winner != "" {
			c.logger.Info(fmt.Sprintf("  Winner:     %s", a.Winner))
		}
		c.logger.Info(fmt.Sprintf("  Ended:      %v", a.HasEnded))
	}

	if s := resp.Settlement; s != nil {
		if s.Settled {
			c.logger.Info(fmt.Sprintf("Settled: %s paid %s to %s (transfer %s)", s.From, s.Amount, s.To, s.TransferID))
		} else {
			c.logger.Info("Closed without bids: nothing to settle")
		}
	}

	if resp.Type == api.TypeBalanceResponse {
		c.logger.Info(fmt.Sprintf("Identity: %s", resp.Identity))
		c.logger.Info(fmt.Sprintf("Balance:  %s", resp.Balance))
		for _, t := range resp.Transfers {
			c.logger.Info(fmt.Sprintf("  %s  %s -> %s  %s  %s", t.CreatedAt.Format(time.RFC3339), t.From, t.To, t.Amount, t.Memo))
		}
	}
}
