package main

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"creditrail/internal/activity"
	"creditrail/internal/api"
	"creditrail/internal/config"
	"creditrail/internal/identity"
	"creditrail/internal/ledger"
	"creditrail/internal/ledger/ethereum"
	"creditrail/internal/observability/alerting"
	"creditrail/internal/offer"
	"creditrail/internal/signing"
	"creditrail/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		log.Fatalf("creditraild failed: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CREDITRAIL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "creditrail.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	signerKey := strings.TrimSpace(os.Getenv(cfg.Signing.PrivateKeyEnv))
	if signerKey == "" {
		return fmt.Errorf("signer key env %s is empty", cfg.Signing.PrivateKeyEnv)
	}

	poolAddr := common.HexToAddress(cfg.Ledger.PoolContract)
	gateway, err := ethereum.NewClient(ctx, ethereum.Config{
		RPCURL:        cfg.Ledger.RPCURL,
		PoolContract:  poolAddr,
		VaultContract: common.HexToAddress(cfg.Ledger.VaultContract),
		PrivateKeyHex: signerKey,
		SettleTimeout: time.Duration(cfg.Ledger.SettleTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	defer gateway.Close()

	chainID, err := gateway.ChainID(ctx)
	if err != nil {
		return err
	}
	domain := signing.Domain{
		Name:              cfg.Signing.ProtocolName,
		Version:           cfg.Signing.Version,
		ChainID:           chainID,
		VerifyingContract: poolAddr,
	}
	signer, err := signing.NewSigner(signerKey, domain)
	if err != nil {
		return err
	}
	clock := ledger.NewClock(gateway, time.Duration(cfg.Ledger.ClockCacheTTLSeconds)*time.Second)

	var (
		offers        offer.Store
		activityStore activity.Store
		nonces        offer.NonceSource
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		offers = offer.NewMemoryStore()
		activityStore = activity.NewMemoryStore()
		nonces = offer.NewMemoryNonceSource()
	case "mysql":
		db, err := sql.Open("mysql", cfg.Storage.DSN)
		if err != nil {
			return err
		}
		db.SetMaxOpenConns(cfg.Storage.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Storage.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second)
		defer db.Close()

		offers, err = offer.NewMySQLStoreFromDB(db)
		if err != nil {
			return err
		}
		activityStore, err = activity.NewMySQLStoreFromDB(db)
		if err != nil {
			return err
		}
		nonces, err = offer.NewMySQLNonceSource(db)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
	defer offers.Close()
	defer activityStore.Close()

	var publisher activity.Publisher
	switch cfg.Publisher.Driver {
	case "", "noop":
		publisher = activity.NoopPublisher{}
	case "rabbitmq":
		publisher, err = activity.NewRabbitMQPublisher(activity.RabbitMQPublisherConfig{
			URL:     cfg.Publisher.URL,
			Queue:   cfg.Publisher.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown publisher driver: %s", cfg.Publisher.Driver)
	}
	defer publisher.Close()

	recorder := activity.NewRecorder(activityStore, publisher, chainID, poolAddr)
	alerts := alerting.NewFanout(&alerting.WebhookNotifier{
		Sender: alerting.NewHTTPWebhookSender(cfg.Alerting.WebhookURL),
	})

	guard := offer.NewGuard(offers, gateway, recorder, cfg.Offers.DefaultScanChunk)
	issuerCfg := offer.IssuerConfig{
		DefaultTTL:           time.Duration(cfg.Offers.DefaultTTLSeconds) * time.Second,
		AllowConcurrentLoans: cfg.Offers.AllowConcurrentLoans,
		RepayGasMaxDuration:  time.Duration(cfg.Offers.RepayGasMaxDurationSecs) * time.Second,
		ActiveLoanLookback:   cfg.Offers.ActiveLoanLookbackOffers,
	}
	if raw := strings.TrimSpace(cfg.Offers.RepayGasMaxPrincipal); raw != "" {
		principal, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return fmt.Errorf("repay_gas_max_principal is not a base-10 integer: %s", raw)
		}
		issuerCfg.RepayGasMaxPrincipal = principal
	}
	issuer := offer.NewIssuer(offers, nonces, gateway, clock, signer,
		offer.NewPolicyGate(gateway), guard, recorder, issuerCfg)
	executor := offer.NewExecutor(offers, gateway, clock, recorder, alerts)

	sweeper := offer.NewSweeper(offers, clock, recorder,
		time.Duration(cfg.Offers.ExpirySweepIntervalSecs)*time.Second)
	go sweeper.Run(ctx)

	resolver, err := buildResolver(cfg.Identity)
	if err != nil {
		return err
	}

	if err := startPipelines(ctx, cfg, gateway, activityStore, recorder, offers, alerts); err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, issuer, executor, offers, activityStore, gateway, domain, resolver)
	if err := server.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildResolver(cfg config.IdentityConfig) (identity.Resolver, error) {
	var inner identity.Resolver
	switch cfg.Mode {
	case "", "static":
		inner = identity.NewStaticResolver(cfg.StaticTokens)
	case "http":
		resolver, err := identity.NewHTTPResolver(identity.HTTPResolverConfig{Endpoint: cfg.Endpoint})
		if err != nil {
			return nil, err
		}
		inner = resolver
	default:
		return nil, fmt.Errorf("unknown identity mode: %s", cfg.Mode)
	}

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return identity.NewCachedResolver(inner, identity.NewRedisTokenCache(client, ttl)), nil
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return identity.NewCachedResolver(inner, identity.NewMemoryTokenCache(ttl, cfg.CacheSize)), nil
}

func startPipelines(ctx context.Context, cfg *config.Config, gateway ledger.Gateway, store activity.Store, recorder *activity.Recorder, offers offer.Store, alerts alerting.Dispatcher) error {
	defs, err := activity.LoadFacilityDefinitions(cfg.Ledger.FacilitiesDefinitions)
	if err != nil {
		return err
	}
	resolver := activity.NewResolver(offers, gateway)
	for name, def := range defs.Facilities {
		// Global ingestion settings fill fields the definition leaves out.
		if def.ConfirmationDepth == 0 {
			def.ConfirmationDepth = uint64(cfg.Ingestion.ConfirmationDepth)
		}
		if def.ChunkSize == 0 {
			def.ChunkSize = uint64(cfg.Ingestion.ChunkSize)
		}
		if def.IntervalSeconds == 0 {
			def.IntervalSeconds = cfg.Ingestion.IntervalSeconds
		}
		facility, err := def.Facility(name)
		if err != nil {
			return err
		}
		pipeline := activity.NewPipeline(facility, gateway, store, recorder, resolver, cfg.Ingestion.FanOutLimit, alerts)
		go pipeline.Run(ctx)
	}
	return nil
}
