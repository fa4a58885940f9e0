// Package service wires the configured store, providers and engines into the
// services shared by the API and worker binaries.
package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"genledger/internal/adapter/memstore"
	"genledger/internal/adapter/repo"
	"genledger/internal/billing"
	"genledger/internal/domain"
	"genledger/internal/guard"
	"genledger/internal/infra"
	"genledger/internal/jobs"
	"genledger/internal/observability"
	"genledger/internal/providers"
	"genledger/internal/providers/falqueue"
	"genledger/internal/providers/qwen"
	"genledger/internal/providers/synthetic"
	"genledger/internal/storage"
)

// Container holds the long-lived services of one process.
type Container struct {
	Jobs          domain.JobRepository
	Leases        domain.LeaseStore
	Ledger        domain.Ledger
	Subscriptions domain.SubscriptionRepository
	Events        domain.WebhookEventRepository

	Registry  *providers.Registry
	Files     *storage.FileStore
	Gateway   *jobs.Gateway
	Poller    *jobs.Poller
	Actions   *jobs.Actions
	Billing   *billing.Reconciler
	Metrics   *observability.Metrics
	Synthetic *synthetic.Adapter

	// Ping checks the backing store.
	Ping func(ctx context.Context) error

	closers []func()
}

// Close releases pools and clients in reverse order of creation.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// Build constructs every service described by cfg. The caller must Close the
// container when done.
func Build(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Container, error) {
	c := &Container{Metrics: observability.Default(), Ping: func(context.Context) error { return nil }}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	if err := c.openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err := c.openLeases(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err := c.buildRegistry(cfg, logger); err != nil {
		return nil, err
	}

	files, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		return nil, err
	}
	c.Files = files

	artifacts := jobs.NewMaterializer(files, logger, jobs.MaterializerOptions{
		BaseURL:   cfg.StorageBaseURL,
		Allowlist: cfg.ArtifactSourceAllowlist,
		Metrics:   c.Metrics,
	})
	retry := providers.DefaultRetryPolicy()
	c.Gateway = jobs.NewGateway(c.Jobs, c.Ledger, c.Registry, jobs.UnitPricer{Costs: cfg.CreditCosts}, logger, jobs.GatewayOptions{
		MaxBatch: cfg.MaxBatch,
		Retry:    retry,
		Metrics:  c.Metrics,
	})
	c.Poller = jobs.NewPoller(c.Jobs, c.Leases, c.Registry, artifacts, logger, c.Metrics, jobs.PollerConfig{
		Interval:           cfg.PollInterval,
		CallTimeout:        cfg.PollCallTimeout,
		Concurrency:        cfg.PollConcurrency,
		MaxIdleCycles:      cfg.PollMaxIdleCycles,
		LeaseTTL:           cfg.LeaseTTL,
		MaterializeTimeout: cfg.MaterializeTimeout,
		WorkerID:           cfg.WorkerID,
	})
	c.Actions = jobs.NewActions(c.Jobs, c.Leases, c.Ledger, c.Registry, logger, jobs.ActionsOptions{
		Retry:       retry,
		LeaseTTL:    cfg.LeaseTTL,
		CallTimeout: cfg.PollCallTimeout,
		Metrics:     c.Metrics,
	})

	processor, err := billing.NewClient(billing.ClientOptions{APIKey: cfg.PaymentsAPIKey, BaseURL: cfg.PaymentsBaseURL})
	if err != nil {
		return nil, err
	}
	if cfg.PaymentsWebhookSecret == "" {
		logger.Warn().Msg("service: PAYMENTS_WEBHOOK_SECRET not set, webhooks will be rejected")
	}
	c.Billing = billing.NewReconciler(c.Subscriptions, c.Events, c.Ledger, processor, logger, billing.Options{
		PlanCredits:      cfg.PlanCredits,
		GrantDedupWindow: cfg.GrantDedupWindow,
		WebhookSecret:    cfg.PaymentsWebhookSecret,
		Metrics:          c.Metrics,
	})

	ok = true
	return c, nil
}

func (c *Container) openStore(ctx context.Context, cfg *infra.Config, logger infra.Logger) error {
	switch cfg.StoreDriver {
	case infra.StoreDriverMemory:
		logger.Warn().Msg("service: using in-memory store, state is lost on exit")
		store := memstore.New(logger)
		c.Jobs, c.Leases, c.Ledger, c.Subscriptions, c.Events = store, store, store, store, store
		return nil
	case infra.StoreDriverPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, pool.Close)
		c.Ping = pool.Ping

		runner := infra.NewSQLRunner(pool, logger)
		jobRepo := repo.NewJobRepository(runner)
		billingRepo := repo.NewBillingRepository(runner)
		c.Jobs, c.Leases = jobRepo, jobRepo
		c.Ledger = repo.NewLedgerRepository(runner, logger)
		c.Subscriptions, c.Events = billingRepo, billingRepo
		return nil
	default:
		return fmt.Errorf("service: unsupported store driver %q", cfg.StoreDriver)
	}
}

// openLeases swaps the store's lease columns for Redis when REDIS_URL is set.
func (c *Container) openLeases(ctx context.Context, cfg *infra.Config, logger infra.Logger) error {
	client, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	if client == nil {
		return nil
	}
	c.closers = append(c.closers, func() { _ = client.Close() })
	leases, err := guard.NewRedisLease(client, "")
	if err != nil {
		return err
	}
	c.Leases = leases
	logger.Info().Msg("service: job leases held in redis")
	return nil
}

func (c *Container) buildRegistry(cfg *infra.Config, logger infra.Logger) error {
	c.Registry = providers.NewRegistry()
	wanted := make(map[string]bool)
	for _, name := range cfg.KindProviders {
		wanted[name] = true
	}
	httpClient := &http.Client{Timeout: 60 * time.Second}

	if wanted[qwen.Name] {
		client, err := qwen.NewClient(qwen.Options{
			APIKey:     cfg.QwenAPIKey,
			BaseURL:    cfg.QwenBaseURL,
			ImageModel: cfg.QwenModel,
			HTTPClient: httpClient,
			Logger:     &logger,
		})
		if err != nil {
			return err
		}
		if !client.HasCredentials() {
			logger.Warn().Msg("service: QWEN_API_KEY missing, qwen submissions will be rejected")
		}
		if err := c.Registry.Register(client); err != nil {
			return err
		}
	}
	if wanted[falqueue.Name] {
		client, err := falqueue.NewClient(falqueue.Options{
			APIKey:     cfg.FalAPIKey,
			BaseURL:    cfg.FalBaseURL,
			Model:      cfg.FalModel,
			HTTPClient: httpClient,
			Logger:     &logger,
		})
		if err != nil {
			return err
		}
		if err := c.Registry.Register(client); err != nil {
			return err
		}
	}
	if wanted[synthetic.Name] {
		c.Synthetic = synthetic.New(synthetic.Options{
			ArtifactBaseURL: SyntheticBaseURL(cfg),
			FailPrompt:      "[fail]",
		})
		if err := c.Registry.Register(c.Synthetic); err != nil {
			return err
		}
	}

	for kind, name := range cfg.KindProviders {
		if err := c.Registry.Route(domain.JobKind(kind), name); err != nil {
			return err
		}
	}
	return nil
}

// SyntheticMountPath is where the API serves synthetic provider artifacts.
const SyntheticMountPath = "/synthetic"

// SyntheticBaseURL derives the synthetic artifact URL prefix from the public
// storage URL, which already carries the API's scheme, host and port.
func SyntheticBaseURL(cfg *infra.Config) string {
	base := strings.TrimRight(cfg.StorageBaseURL, "/")
	if i := strings.LastIndex(base, "/"); i > len("https://") {
		base = base[:i]
	}
	return base + SyntheticMountPath
}
