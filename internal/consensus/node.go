// Package consensus replicates the watermark store across a raft cluster so
// that several extractor processes can run while exactly one of them, the
// leader, ingests.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/lakehouse/extractor/internal/logger"
	"github.com/lakehouse/extractor/internal/watermark"
)

// ErrNotLeader is returned for writes on a follower. It wraps
// watermark.ErrUnavailable so callers treat it as retryable.
var ErrNotLeader = fmt.Errorf("not the leader: %w", watermark.ErrUnavailable)

type NodeConfig struct {
	NodeID        string
	BindAddr      string
	DataDir       string
	Bootstrap     bool
	PeerAddrs     map[string]string
	JoinRetries   int
	JoinRetryWait time.Duration
	ApplyTimeout  time.Duration
}

// Node is a raft member whose FSM is a local watermark.BoltStore. It
// implements watermark.Store and watermark.Admin: reads are served from the
// local replica, writes go through the raft log and are only accepted on the
// leader.
type Node struct {
	config    *NodeConfig
	raft      *raft.Raft
	fsm       *FSM
	store     *watermark.BoltStore
	logStore  *raftboltdb.BoltStore
	logOutput io.WriteCloser
}

func NewNode(cfg *NodeConfig, store *watermark.BoltStore) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	return &Node{
		config: cfg,
		store:  store,
	}, nil
}

func (n *Node) Start(ctx context.Context) error {
	n.logOutput = logger.Writer("raft")

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(n.config.NodeID)
	raftConfig.LogOutput = n.logOutput
	raftConfig.LogLevel = "WARN"

	raftDir := filepath.Join(n.config.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return fmt.Errorf("failed to create raft directory: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	n.logStore = logStore

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, n.logOutput)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", n.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransport(n.config.BindAddr, addr, 3, 10*time.Second, n.logOutput)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	n.fsm = NewFSM(n.store)

	ra, err := raft.NewRaft(raftConfig, n.fsm, logStore, logStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}

	n.raft = ra

	if n.config.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, logStore, snapshotStore)
		if err != nil {
			return fmt.Errorf("failed to check existing state: %w", err)
		}

		if !hasState {
			servers := []raft.Server{
				{
					ID:      raftConfig.LocalID,
					Address: transport.LocalAddr(),
				},
			}

			for peerID, peerAddr := range n.config.PeerAddrs {
				servers = append(servers, raft.Server{
					ID:      raft.ServerID(peerID),
					Address: raft.ServerAddress(peerAddr),
				})
			}

			future := ra.BootstrapCluster(raft.Configuration{Servers: servers})
			if err := future.Error(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			logger.Info("Bootstrapped raft cluster", "node", n.config.NodeID, "servers", len(servers))
		}
	} else if len(n.config.PeerAddrs) > 0 {
		if err := n.waitForMembership(ctx); err != nil {
			return fmt.Errorf("failed to wait for leader: %w", err)
		}
	}

	return nil
}

// waitForMembership blocks until a leader is known and this node is part of
// its configuration.
func (n *Node) waitForMembership(ctx context.Context) error {
	retries := n.config.JoinRetries
	if retries == 0 {
		retries = 30
	}
	retryWait := n.config.JoinRetryWait
	if retryWait == 0 {
		retryWait = 1 * time.Second
	}

	for i := 0; i < retries; i++ {
		if n.raft.Leader() != "" {
			future := n.raft.GetConfiguration()
			if err := future.Error(); err == nil {
				for _, server := range future.Configuration().Servers {
					if server.ID == raft.ServerID(n.config.NodeID) {
						return nil
					}
				}
			}
		}

		select {
		case <-time.After(retryWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("timeout waiting for leader after %d retries", retries)
}

// WaitForLeader blocks until the cluster has elected a leader.
func (n *Node) WaitForLeader(ctx context.Context) (string, error) {
	if n.raft == nil {
		return "", fmt.Errorf("raft not initialized")
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if leader := n.Leader(); leader != "" {
			return leader, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (n *Node) Stop() error {
	var errs []error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown raft: %w", err))
		}
	}
	if n.logStore != nil {
		if err := n.logStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log store: %w", err))
		}
	}
	if n.logOutput != nil {
		n.logOutput.Close()
	}
	return errors.Join(errs...)
}

func (n *Node) Get(ctx context.Context, table string) (time.Time, error) {
	return n.store.Get(ctx, table)
}

func (n *Node) Set(_ context.Context, table string, checkpoint time.Time) error {
	return n.apply(&LogEntry{
		Type:       LogEntrySetWatermark,
		TableName:  table,
		Checkpoint: watermark.Format(checkpoint),
		Timestamp:  time.Now().UTC(),
	})
}

func (n *Node) Entries(ctx context.Context) (map[string]string, error) {
	return n.store.Entries(ctx)
}

func (n *Node) Reset(_ context.Context, table string, checkpoint time.Time) error {
	entry := &LogEntry{
		Type:      LogEntryResetWatermark,
		TableName: table,
		Timestamp: time.Now().UTC(),
	}
	if !checkpoint.IsZero() {
		entry.Checkpoint = watermark.Format(checkpoint)
	}
	return n.apply(entry)
}

func (n *Node) apply(entry *LogEntry) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	future := n.raft.Apply(data, n.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", unavailable(err))
	}

	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}

	return nil
}

// Barrier blocks until every entry committed before the call is applied to
// the local store. A newly elected leader may still be applying entries from
// the previous term, so Get is only authoritative after a successful Barrier.
func (n *Node) Barrier(ctx context.Context) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}

	timeout := n.config.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if err := n.raft.Barrier(timeout).Error(); err != nil {
		return fmt.Errorf("barrier failed: %w", unavailable(err))
	}
	return nil
}

// unavailable marks raft errors caused by leadership changes or shutdown as
// transient.
func unavailable(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress),
		errors.Is(err, raft.ErrEnqueueTimeout),
		errors.Is(err, raft.ErrRaftShutdown):
		return fmt.Errorf("%w: %w", watermark.ErrUnavailable, err)
	}
	return err
}

func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

func (n *Node) Leader() string {
	if n.raft == nil {
		return ""
	}
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

func (n *Node) Stats() map[string]string {
	if n.raft == nil {
		return map[string]string{"state": "not initialized"}
	}
	return n.raft.Stats()
}
