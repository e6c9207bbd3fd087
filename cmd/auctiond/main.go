package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/cloudx-io/timedauction/auction"
	"github.com/cloudx-io/timedauction/config"
	"github.com/cloudx-io/timedauction/core"
	"github.com/cloudx-io/timedauction/events"
	"github.com/cloudx-io/timedauction/gateway"
	"github.com/cloudx-io/timedauction/httpapi"
	"github.com/cloudx-io/timedauction/server"
	"github.com/cloudx-io/timedauction/storage"
	"github.com/cloudx-io/timedauction/storage/sqlite"
)

const shutdownTimeout = 30 * time.Second

// funding is one -fund identity:amount flag.
type funding struct {
	id     core.Identity
	amount decimal.Decimal
}

type fundFlags []funding

func (f *fundFlags) String() string {
	parts := make([]string, 0, len(*f))
	for _, fund := range *f {
		parts = append(parts, fmt.Sprintf("%s:%s", fund.id, fund.amount))
	}
	return strings.Join(parts, ",")
}

func (f *fundFlags) Set(v string) error {
	idPart, amountPart, ok := strings.Cut(v, ":")
	if !ok {
		return fmt.Errorf("expected identity:amount, got %q", v)
	}
	id, err := core.ParseIdentity(idPart)
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(amountPart)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", amountPart, err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount)
	}
	*f = append(*f, funding{id: id, amount: amount})
	return nil
}

func main() {
	var funds fundFlags
	flag.Var(&funds, "fund", "Credit identity:amount at startup (development); repeatable")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, funds, logger); err != nil {
		logger.Fatal().Err(err).Msg("auctiond exited")
	}
}

func run(ctx context.Context, cfg config.Config, funds fundFlags, logger zerolog.Logger) error {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
	}()
	logger.Info().Str("path", cfg.DBPath).Msg("Store opened")

	if err := seed(ctx, store, funds, logger); err != nil {
		return err
	}

	publisher, closers, err := buildPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close publisher")
			}
		}
	}()

	svc := auction.NewService(store, cfg.Namespace,
		auction.WithPublisher(publisher),
		auction.WithLogger(logger.With().Str("component", "auction").Logger()),
	)
	gw := gateway.New(svc, logger.With().Str("component", "gateway").Logger())

	listener, err := server.Listen(cfg.ListenNetwork, cfg.ListenAddr, cfg.VsockPort)
	if err != nil {
		return err
	}
	connServer := server.New(gw, cfg.MaxWorkers, cfg.ReadTimeout, logger.With().Str("component", "server").Logger())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return connServer.Serve(gctx, listener)
	})

	if cfg.HTTPAddr != "" {
		handler := httpapi.NewHandler(gw, logger.With().Str("component", "http").Logger())
		httpServer := &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      handler.SetupRoutes(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.ReadTimeout,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP API listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("HTTP server forced to shutdown")
			}
			return nil
		})
	}

	logger.Info().
		Str("namespace", cfg.Namespace).
		Str("network", cfg.ListenNetwork).
		Msg("auctiond started")

	err = g.Wait()
	logger.Info().Msg("auctiond stopped")
	return err
}

func seed(ctx context.Context, store storage.Store, funds fundFlags, logger zerolog.Logger) error {
	for _, f := range funds {
		if err := store.Deposit(ctx, f.id, f.amount); err != nil {
			return fmt.Errorf("fund %s: %w", f.id.Short(), err)
		}
		logger.Info().Str("identity", f.id.Short()).Str("amount", f.amount.String()).Msg("Account funded")
	}
	return nil
}

// buildPublisher connects every configured event sink.
func buildPublisher(cfg config.Config, logger zerolog.Logger) (events.Publisher, []io.Closer, error) {
	var (
		publishers events.Multi
		closers    []io.Closer
	)

	if cfg.RedisAddr != "" {
		redisPub, err := events.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, redisPub)
		closers = append(closers, redisPub)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Publishing events to Redis")
	}

	if cfg.NATSURL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, nil, err
		}
		publishers = append(publishers, natsPub)
		closers = append(closers, natsPub)
		logger.Info().Str("url", cfg.NATSURL).Msg("Publishing events to NATS")
	}

	if len(publishers) == 0 {
		return events.Nop{}, nil, nil
	}
	return publishers, closers, nil
}
