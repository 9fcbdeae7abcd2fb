// Command server runs the agent marketplace: HTTP API, webhook
// dispatcher, deadline watcher and the chain wallet worker.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agoranet/marketplace/internal/agents"
	"github.com/agoranet/marketplace/internal/api"
	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/deadline"
	"github.com/agoranet/marketplace/internal/escrow"
	"github.com/agoranet/marketplace/internal/fees"
	"github.com/agoranet/marketplace/internal/identity"
	"github.com/agoranet/marketplace/internal/infra"
	"github.com/agoranet/marketplace/internal/jobs"
	"github.com/agoranet/marketplace/internal/listings"
	"github.com/agoranet/marketplace/internal/metrics"
	"github.com/agoranet/marketplace/internal/middleware"
	"github.com/agoranet/marketplace/internal/reputation"
	"github.com/agoranet/marketplace/internal/sandbox"
	"github.com/agoranet/marketplace/internal/secrets"
	"github.com/agoranet/marketplace/internal/verify"
	"github.com/agoranet/marketplace/internal/wallet"
	"github.com/agoranet/marketplace/internal/webhooks"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	logger := log.New(os.Stdout, "[SERVER] ", log.LstdFlags)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store, err := database.Open(bootCtx, cfg.Database)
	if err != nil {
		logger.Fatalf("database: %v", err)
	}
	defer store.Close()

	kv, err := infra.NewRedisKV(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer kv.Close()

	m := metrics.New()
	feeEngine, err := fees.NewEngine(cfg.Fees)
	if err != nil {
		logger.Fatalf("fee schedule: %v", err)
	}

	// The sandbox needs a container runtime; run without script
	// verification when none is reachable.
	var scriptRunner verify.ScriptRunner
	var scriptValidator jobs.ScriptValidator
	if runner, err := sandbox.NewRunner(cfg.Sandbox, m); err != nil {
		logger.Printf("sandbox unavailable, script criteria disabled: %v", err)
	} else {
		scriptRunner = runner
		scriptValidator = runner
	}

	outbox := webhooks.NewOutbox()
	verifier := verify.NewEngine(cfg.Verify, scriptRunner, m)
	jobSvc := jobs.NewService(store, escrow.NewEngine(feeEngine, m), verifier,
		scriptValidator, kv, outbox, cfg.Jobs, m)

	var provider identity.Provider
	if cfg.Identity.ProviderURL != "" {
		provider = identity.NewClient(cfg.Identity.ProviderURL, os.Getenv("IDENTITY_API_KEY"))
	}
	agentSvc := agents.NewService(store, agents.NewCardFetcher(), provider, jobSvc,
		cfg.Identity, cfg.Server.Env == "development")

	walletSvc, err := buildWallet(bootCtx, cfg, store, feeEngine, m, logger)
	if err != nil {
		logger.Fatalf("wallet: %v", err)
	}

	deadlines := deadline.NewConsumer(kv, jobSvc, store, outbox, cfg.Deadline, m)
	dispatcher := webhooks.NewDispatcher(store, cfg.Webhooks, m)

	// Boot reconciliation before any worker starts.
	if n, err := deadlines.Recover(bootCtx); err != nil {
		logger.Fatalf("deadline recovery: %v", err)
	} else if n > 0 {
		logger.Printf("re-armed %d delivery deadline(s)", n)
	}
	if _, err := walletSvc.Recover(bootCtx); err != nil {
		logger.Fatalf("wallet recovery: %v", err)
	}

	var wg sync.WaitGroup
	for name, run := range map[string]func(context.Context){
		"webhooks":  dispatcher.Run,
		"deadlines": deadlines.Run,
		"wallet":    walletSvc.Run,
	} {
		wg.Add(1)
		go func(name string, run func(context.Context)) {
			defer wg.Done()
			run(ctx)
			logger.Printf("%s worker stopped", name)
		}(name, run)
	}

	srv := api.NewServer(api.Deps{
		Config:     cfg.Server,
		Agents:     agentSvc,
		Listings:   listings.NewService(store),
		Jobs:       jobSvc,
		Reputation: reputation.NewService(store, outbox),
		Wallet:     walletSvc,
		Fees:       feeEngine,
		DB:         store,
		KV:         kv,
		Auth:       middleware.NewAuth(store, kv, cfg.Auth, m),
		Limiter:    middleware.NewRateLimiter(kv, cfg.Rates, m),
		Metrics:    m,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown: %v", err)
		}
	}()

	logger.Printf("listening on :%s (%s)", cfg.Server.Port, cfg.Server.Env)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server: %v", err)
	}
	wg.Wait()
	logger.Println("shutdown complete")
}

// buildWallet assembles the wallet service. Chain access and the master
// seed are both optional: without them the wallet endpoints answer
// unavailable but the rest of the marketplace runs.
func buildWallet(ctx context.Context, cfg *config.Config, store database.Client,
	feeEngine *fees.Engine, m *metrics.Metrics, logger *log.Logger) (*wallet.Service, error) {
	vault, err := secrets.New(cfg.Secrets.Backend, cfg.Secrets.Dir)
	if err != nil {
		return nil, err
	}

	var seed []byte
	if raw, err := vault.Get(cfg.Chain.MasterSeedSecret); err != nil {
		logger.Printf("master seed unavailable, deposit addresses disabled: %v", err)
	} else if seed, err = hex.DecodeString(raw); err != nil {
		return nil, err
	}

	var chain wallet.Chain
	if cfg.Chain.RPCURL != "" {
		hotKey, err := vault.Get(cfg.Chain.HotWalletKeySecret)
		if err != nil {
			logger.Printf("hot wallet key unavailable, withdrawals disabled: %v", err)
			hotKey = ""
		}
		eth, err := wallet.DialChain(ctx, cfg.Chain.RPCURL, cfg.Chain.USDCContract, hotKey)
		if err != nil {
			return nil, err
		}
		chain = eth
	} else {
		logger.Printf("no chain rpc configured, deposit and withdrawal processing disabled")
	}

	return wallet.NewService(store, chain, feeEngine, seed, cfg.Chain, m)
}
