// Package scrumvoted runs the voting session as a long-lived daemon with an
// HTTP API and a websocket notification stream.
package scrumvoted

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"scrumvote/config"
	"scrumvote/ledger"
	"scrumvote/notify"
	"scrumvote/observability/logging"
	telemetry "scrumvote/observability/otel"
	"scrumvote/session"
	"scrumvote/wallet"
)

// Main initialises and runs the voting daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/scrumvoted/config.yaml", "path to scrumvoted configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SCRUMVOTE_ENV"))
	logger := logging.Setup("scrumvoted", env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Level:      os.Getenv("SCRUMVOTE_LOG_LEVEL"),
	})

	telemetryCfg := telemetry.FromEnv("scrumvoted", env)
	telemetryCfg.Contract = cfg.ContractAddress().Hex()
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	stake, err := cfg.Stake()
	if err != nil {
		return err
	}

	client, err := ledger.Dial(cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	passphrase := wallet.NewPassphraseSource(cfg.Wallet.PassphraseEnv)
	provider := wallet.NewKeystoreProvider(cfg.Wallet.Keystore, client,
		wallet.WithPassphrase(passphrase.Get),
		wallet.WithChainPollInterval(cfg.Wallet.ChainPollInterval.Duration),
		wallet.WithProviderLogger(logger),
	)
	if account := strings.TrimSpace(cfg.Wallet.Account); account != "" {
		if err := provider.Select(common.HexToAddress(account)); err != nil {
			return fmt.Errorf("select account: %w", err)
		}
	}

	contract := ledger.NewContract(cfg.ContractAddress(), client,
		ledger.WithSigner(provider),
		ledger.WithRateLimit(cfg.Sync.RPCRate, cfg.Sync.RPCBurst),
		ledger.WithReceiptPolling(cfg.Tx.ReceiptPollInterval.Duration, cfg.Tx.Confirmations),
		ledger.WithGasMultiplier(cfg.Tx.GasMultiplier),
		ledger.WithLogger(logger),
	)

	hub := notify.NewHub(logger)
	sess, err := session.New(session.Config{
		Resolver:           wallet.NewResolver(provider, cfg.AcceptedNetworks, logger),
		Ledger:             contract,
		Selector:           provider,
		Candidates:         cfg.Candidates,
		Accepted:           cfg.AcceptedNetworks,
		Notifier:           notify.Multi{notify.LogNotifier{Logger: logger}, hub},
		Logger:             logger,
		SyncTimeout:        cfg.Sync.Timeout.Duration,
		ReceiptTimeout:     cfg.Tx.ReceiptTimeout.Duration,
		Stake:              stake,
		ResubscribeBackoff: cfg.Events.ResubscribeBackoff.Duration,
	})
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	defer sess.Close()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go provider.Run(stopCtx)
	if err := sess.Start(stopCtx); err != nil {
		// The API still serves the degraded state so operators can see why.
		logger.Warn("session start degraded", "error", err, "status", sess.View().Status)
	}

	logger.Info("scrumvoted configured",
		"contract", cfg.ContractAddress().Hex(),
		logging.MaskURL("rpc_url", cfg.RPCURL),
		"candidates", len(cfg.Candidates),
		logging.MaskField("hmac_secret", cfg.Auth.HMACSecret),
	)

	server := NewServer(ServerConfig{
		Client:        sess,
		Notifications: hub,
		Auth:          NewAuthenticator(cfg.Auth, logger),
		RateLimit:     NewRateLimiter(cfg.API),
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Actions block until the receipt is mined.
		WriteTimeout: cfg.Tx.ReceiptTimeout.Duration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("scrumvoted listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
