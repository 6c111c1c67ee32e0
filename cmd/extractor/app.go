package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/lakehouse/extractor/internal/alert"
	"github.com/lakehouse/extractor/internal/cdc"
	"github.com/lakehouse/extractor/internal/config"
	"github.com/lakehouse/extractor/internal/consensus"
	"github.com/lakehouse/extractor/internal/ingest"
	"github.com/lakehouse/extractor/internal/logger"
	"github.com/lakehouse/extractor/internal/sink"
	"github.com/lakehouse/extractor/internal/watermark"
)

const alertFlushTimeout = 30 * time.Second

// stateStore is the watermark backend selected by state.backend.
type stateStore interface {
	watermark.Store
	watermark.Admin
}

// app holds the components shared by the commands. Fields are populated
// lazily by the open* methods and released by Close.
type app struct {
	cfg    *config.Config
	state  stateStore
	node   *consensus.Node
	reader *cdc.PostgresReader
	writer *sink.Writer

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	path := cfgFile
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !cfgFileSet {
		// Fall back to environment-only configuration.
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Configure(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg}, nil
}

// openState opens the watermark backend. With startNode the raft node is
// started and joined; otherwise a raft backend is read from the local
// replica only.
func (a *app) openState(ctx context.Context, startNode bool) error {
	cfg := a.cfg
	epoch := cfg.DefaultEpoch()

	switch cfg.State.Backend {
	case config.BackendFile:
		a.state = watermark.NewFileStore(cfg.State.Path, epoch)
		return nil

	case config.BackendBolt, config.BackendRaft:
		path := cfg.State.Path
		if cfg.State.Backend == config.BackendRaft && !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Cluster.DataDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
		store, err := watermark.NewBoltStore(path, epoch)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		a.state = store

		if cfg.State.Backend == config.BackendBolt || !startNode {
			return nil
		}

		node, err := consensus.NewNode(&consensus.NodeConfig{
			NodeID:    cfg.Cluster.NodeID,
			BindAddr:  cfg.Cluster.BindAddr,
			DataDir:   cfg.Cluster.DataDir,
			Bootstrap: cfg.Cluster.Bootstrap,
			PeerAddrs: cfg.Cluster.PeerAddrs,
		}, store)
		if err != nil {
			return fmt.Errorf("failed to create raft node: %w", err)
		}
		if err := node.Start(ctx); err != nil {
			return fmt.Errorf("failed to start raft node: %w", err)
		}
		a.closers = append(a.closers, node.Stop)
		a.node = node
		a.state = node
		return nil
	}

	return fmt.Errorf("unsupported state backend: %s", cfg.State.Backend)
}

func (a *app) openReader(ctx context.Context) error {
	src := a.cfg.Source
	logger.Info("Connecting to source", "target", src.Redacted())

	reader, err := cdc.NewPostgresReader(ctx, &cdc.ReaderConfig{
		ConnString:      src.ConnectionString(),
		Schema:          src.Schema,
		TrackingColumn:  src.TrackingColumn,
		TrackingColumns: a.cfg.TrackingColumns(),
		ReadTimeout:     src.ReadTimeout,
		MaxConns:        src.MaxConns,
		ConnectAttempts: src.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to source: %w", err)
	}
	a.closers = append(a.closers, func() error {
		reader.Close()
		return nil
	})
	a.reader = reader
	return nil
}

func (a *app) openWriter(ctx context.Context) error {
	dst := a.cfg.Destination

	var store sink.ObjectStore
	switch dst.Type {
	case config.DestinationLocal:
		local, err := sink.NewLocalStore(dst.Path)
		if err != nil {
			return err
		}
		store = local
	default:
		s3Store, err := sink.NewS3Store(ctx, sink.S3Config{
			Bucket:          dst.Bucket,
			Region:          dst.Region,
			Endpoint:        dst.Endpoint,
			AccessKeyID:     dst.AccessKeyID,
			SecretAccessKey: dst.SecretAccessKey,
			UsePathStyle:    dst.UsePathStyle,
		})
		if err != nil {
			return err
		}
		store = s3Store
	}

	a.writer = sink.NewWriter(store, sink.NewParquetEncoder(), sink.WriterConfig{
		Prefix:       dst.Prefix,
		WriteTimeout: dst.WriteTimeout,
	})
	return nil
}

func (a *app) newCoordinator() *ingest.Coordinator {
	coordinator := ingest.NewCoordinator(a.state, a.reader, a.writer, ingest.Config{
		Tables:      a.cfg.TableNames(),
		Concurrency: a.cfg.Ingest.Concurrency,
	})
	if a.cfg.Alerts.Enabled {
		coordinator.SetNotifier(a.newAlerts())
	}
	return coordinator
}

// flushAlerts gives queued failure alerts a bounded time to be delivered.
func flushAlerts(coordinator *ingest.Coordinator) {
	ctx, cancel := context.WithTimeout(context.Background(), alertFlushTimeout)
	defer cancel()
	if err := coordinator.WaitAlerts(ctx); err != nil {
		logger.Warn("Gave up waiting for alerts", "error", err)
	}
}

func (a *app) newAlerts() *alert.Manager {
	return alert.NewManager(a.cfg.Alerts.Enabled, a.cfg.Alerts.SlackWebhook)
}

// requireLeader blocks until the cluster has a leader and fails unless it is
// this node and has applied every committed watermark. It is a no-op outside
// raft mode.
func (a *app) requireLeader(ctx context.Context) error {
	if a.node == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	leader, err := a.node.WaitForLeader(waitCtx)
	if err != nil {
		return fmt.Errorf("no raft leader: %w", err)
	}
	if !a.node.IsLeader() {
		return fmt.Errorf("%w: current leader is %s", consensus.ErrNotLeader, leader)
	}
	return a.node.Barrier(waitCtx)
}

// Close releases components in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
