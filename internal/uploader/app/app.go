package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpHandler "github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/inbound/http"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/outbound/credentials"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/outbound/destination"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/outbound/ledger"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/outbound/probe"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/outbound/reporter"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/outbound/source"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/outbound/sysstats"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/outbound/wakelock"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/service"
	"github.com/anthanhphan/go-resilient-upload/pkg/idgen"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	cfg         *config.Config
	server      *httpHandler.Server
	engine      *service.Orchestrator
	ledger      *ledger.Ledger
	redisClient *redis.Client

	cancel context.CancelFunc
}

func New(configPath string) (*App, error) {
	// 1. Load Config
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig wires every adapter around an already loaded configuration.
func NewWithConfig(cfg *config.Config) (*App, error) {
	// 2. Initialize Logger
	logger.InitLogger(&cfg.Logger)

	// 3. Initialize Redis and Snowflake IDGen
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	var clock idgen.Clock = &idgen.SystemClock{}
	if cfg.Engine.UseRedisClock {
		clock = idgen.NewRedisClock(redisClient, 0)
	}
	nodeID := cfg.Engine.NodeID
	if nodeID <= 0 {
		nodeID = idgen.HostNodeID()
	}
	idGen, err := idgen.New(nodeID, clock)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to init snowflake: %w", err)
	}

	// 4. Ledger
	uploads := ledger.Open(cfg.Ledger)

	// 5. Outbound adapters
	deps, err := buildDependencies(cfg, redisClient)
	if err != nil {
		_ = uploads.Close()
		_ = redisClient.Close()
		return nil, err
	}
	deps.Ledger = uploads
	deps.IDs = idGen

	// 6. Engine
	engine, err := service.NewOrchestrator(*cfg, deps)
	if err != nil {
		_ = uploads.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to init upload engine: %w", err)
	}

	// 7. HTTP Server
	httpServer := httpHandler.NewServer(cfg, engine, engine)

	return &App{
		cfg:         cfg,
		server:      httpServer,
		engine:      engine,
		ledger:      uploads,
		redisClient: redisClient,
	}, nil
}

func buildDependencies(cfg *config.Config, redisClient *redis.Client) (service.Dependencies, error) {
	var deps service.Dependencies

	client := &http.Client{}
	deps.Transport = destination.NewHTTPTransport(client, cfg.Destination.BreakerFailures, cfg.Destination.BreakerOpenTimeout())

	switch cfg.Destination.Mode {
	case "", "http":
		endpoints := cfg.Destination.Endpoints()
		switch len(endpoints) {
		case 0:
			return deps, errors.New("destination base_url is required in http mode")
		case 1:
			deps.Destination = destination.NewHTTPDestination(endpoints[0], client)
		default:
			dest, err := destination.NewShardedDestination(endpoints, func(url string) port.Destination {
				return destination.NewHTTPDestination(url, client)
			})
			if err != nil {
				return deps, err
			}
			deps.Destination = dest
		}
	case "s3":
		s3Client, err := destination.NewS3Client(context.Background(), cfg.Destination.S3)
		if err != nil {
			return deps, err
		}
		dest, err := destination.NewS3Destination(s3Client, nil, cfg.Destination.S3)
		if err != nil {
			return deps, err
		}
		deps.Destination = dest
	default:
		return deps, fmt.Errorf("unknown destination mode %q", cfg.Destination.Mode)
	}

	rep, err := reporter.New(cfg.Reporter, redisClient)
	if err != nil {
		return deps, fmt.Errorf("failed to init completion reporter: %w", err)
	}
	deps.Reporter = rep

	var prober port.Prober
	if cfg.Network.ProbeURL != "" {
		p, err := probe.NewHTTPProber(cfg.Network.ProbeURL, cfg.Network.ProbeTimeout())
		if err != nil {
			return deps, err
		}
		prober = p
	}
	deps.Monitor = service.NewNetworkMonitor(prober, cfg.Network)

	var inhibitor wakelock.Inhibitor
	if systemd := wakelock.NewSystemdInhibitor(); systemd != nil {
		inhibitor = systemd
	}
	deps.WakeLock = wakelock.New(inhibitor)

	deps.Sources = source.NewFileOpener()
	deps.Stats = sysstats.NewHost()
	deps.Credentials = credentials.NewStatic(cfg.Credentials.Token)
	return deps, nil
}

// Engine exposes the upload engine for in-process callers such as the CLI.
func (a *App) Engine() *service.Orchestrator {
	return a.engine
}

// Ledger exposes the upload ledger for maintenance commands.
func (a *App) Ledger() *ledger.Ledger {
	return a.ledger
}

func (a *App) Config() *config.Config {
	return a.cfg
}

// StartEngine runs the engine in the background until ctx ends or Close is called.
func (a *App) StartEngine(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.engine.Run(ctx)
}

// Close stops the engine, waits for it to persist its state and releases the
// ledger and redis connections.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.engine.Done():
		case <-time.After(shutdownTimeout):
			logger.Warnw("Upload engine did not stop in time")
		}
	}

	var errs []error
	if err := a.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close ledger: %w", err))
	}
	if err := a.redisClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) Run() error {
	// Start Engine
	a.StartEngine(context.Background())

	// Start HTTP
	logger.Infow("Upload API starting", "addr", a.cfg.Server.Addr)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			serverErrCh <- err
		}
	}()

	// Wait for shutdown signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	var runErr error
	select {
	case sig := <-stop:
		logger.Infow("Shutdown signal received", "signal", sig.String())
	case err := <-serverErrCh:
		runErr = fmt.Errorf("http server failed: %w", err)
		logger.Errorw("Upload API exited unexpectedly", "error", err.Error())
	}

	logger.Info("Shutting down upload services")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Stop(ctx); err != nil {
		logger.Errorw("Upload API shutdown error", "error", err.Error())
		if runErr == nil {
			runErr = err
		}
	}
	if err := a.Close(); err != nil {
		logger.Errorw("Upload engine shutdown error", "error", err.Error())
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}
