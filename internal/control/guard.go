package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vietddude/httpguard/internal/core/config"
	"github.com/vietddude/httpguard/internal/health"
	redisclient "github.com/vietddude/httpguard/internal/infra/redis"
	"github.com/vietddude/httpguard/internal/infra/rpc"
	"github.com/vietddude/httpguard/internal/infra/rpc/hostmetrics"
	"github.com/vietddude/httpguard/internal/infra/storage/postgres"
)

// Config holds the application configuration.
type Config struct {
	Port          int
	FlushInterval time.Duration
	Services      []config.ServiceConfig
	Redis         redisclient.Config
	Database      postgres.Config
	HealthCache   time.Duration
}

// Guard is the main application struct that manages the client lifecycle.
type Guard struct {
	cfg          Config
	clients      map[string]*rpc.Client
	names        []string
	hosts        *hostmetrics.Registry
	healthMon    *health.Monitor
	healthServer *health.Server
	db           *postgres.DB
	snapshots    *postgres.SnapshotRepo
	redisClient  *redisclient.Client
	log          *slog.Logger
}

// NewGuard creates a new Guard with all dependencies initialized.
func NewGuard(cfg Config) (*Guard, error) {
	g := &Guard{
		cfg:     cfg,
		clients: make(map[string]*rpc.Client, len(cfg.Services)),
		hosts:   hostmetrics.NewRegistry(),
		log:     slog.Default().With("component", "guard"),
	}

	// 1. Initialize Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		g.db = db
		g.snapshots = postgres.NewSnapshotRepo(db)
		g.log.Info("Using PostgreSQL snapshot storage")
	}

	// 2. Shared cooldown store
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			g.closeStores()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		g.redisClient = rc
		g.log.Info("Using Redis cooldown store")
	}

	// 3. Guarded clients
	services := make([]health.Service, 0, len(cfg.Services))
	for _, s := range cfg.Services {
		clientCfg, err := ClientConfig(s)
		if err != nil {
			g.closeStores()
			return nil, err
		}

		opts := []rpc.ClientOption{rpc.WithHostMetrics(g.hosts)}
		if g.redisClient != nil {
			opts = append(opts, rpc.WithCooldownStore(redisclient.NewCooldownStore(g.redisClient, s.Name)))
		}

		client, err := rpc.NewClient(clientCfg, opts...)
		if err != nil {
			g.closeStores()
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		g.clients[s.Name] = client
		g.names = append(g.names, s.Name)
		services = append(services, client)
		g.log.Info("Guarded service configured",
			"service", s.Name,
			"nodes", len(s.URIs),
			"strategy", clientCfg.NodeSelectionStrategy.String(),
			"limiter", clientCfg.Limiter != nil,
		)
	}
	sort.Strings(g.names)

	// 4. Health
	g.healthMon = health.NewMonitor(services, cfg.HealthCache)
	if g.db != nil {
		g.healthMon.AddDependency("postgres", g.db.Health)
	}
	if g.redisClient != nil {
		g.healthMon.AddDependency("redis", g.redisClient.Ping)
	}
	g.healthServer = health.NewServer(g.healthMon, g.hosts, cfg.Port)

	if err := prometheus.Register(hostmetrics.NewCollector(g.hosts)); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			g.log.Warn("Failed to register host metrics collector", "error", err)
		}
	}

	return g, nil
}

// Client returns the guarded client for a service.
func (g *Guard) Client(service string) (*rpc.Client, bool) {
	c, ok := g.clients[service]
	return c, ok
}

// Services returns the configured service names in sorted order.
func (g *Guard) Services() []string {
	return g.names
}

// HostMetrics returns the registry shared by every client.
func (g *Guard) HostMetrics() *hostmetrics.Registry {
	return g.hosts
}

// Health returns the current health report.
func (g *Guard) Health(ctx context.Context) health.HealthReport {
	return g.healthMon.CheckHealth(ctx)
}

// Start starts the health server and background workers.
func (g *Guard) Start(ctx context.Context) error {
	// Start Health Server
	go func() {
		if err := g.healthServer.Start(); err != nil {
			g.log.Error("Health server failed", "error", err)
		}
	}()

	// Start DB Metrics Collector
	if g.db != nil {
		g.db.StartMetricsCollector(ctx)
	}

	if g.snapshots != nil && g.cfg.FlushInterval > 0 {
		go g.runSnapshotFlusher(ctx)
	}

	return nil
}

// Stop stops the guard, flushing a final snapshot batch when storage is enabled.
func (g *Guard) Stop(ctx context.Context) error {
	g.log.Info("Stopping guard...")

	for _, name := range g.names {
		_ = g.clients[name].Close()
	}

	if g.snapshots != nil {
		if err := g.Flush(ctx); err != nil {
			g.log.Warn("Final snapshot flush failed", "error", err)
		}
	}

	g.closeStores()

	// Stop Health Server
	return g.healthServer.Stop(ctx)
}

// Flush persists one snapshot batch of every host.
func (g *Guard) Flush(ctx context.Context) error {
	if g.snapshots == nil {
		return nil
	}
	snaps := g.hosts.Metrics()
	if len(snaps) == 0 {
		return nil
	}
	batch, err := g.snapshots.Save(ctx, snaps)
	if err != nil {
		return err
	}
	g.log.Debug("Persisted host snapshots", "batch", batch, "hosts", len(snaps))
	return nil
}

func (g *Guard) runSnapshotFlusher(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Flush(ctx); err != nil {
				g.log.Warn("Snapshot flush failed", "error", err)
			}
		}
	}
}

func (g *Guard) closeStores() {
	// Close Redis
	if g.redisClient != nil {
		if err := g.redisClient.Close(); err != nil {
			g.log.Warn("Failed to close Redis", "error", err)
		}
		g.redisClient = nil
	}
	if g.db != nil {
		if err := g.db.Close(); err != nil {
			g.log.Warn("Failed to close database", "error", err)
		}
		g.db = nil
	}
}
