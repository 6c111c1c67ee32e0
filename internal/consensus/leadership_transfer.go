package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/raft"

	"github.com/lakehouse/extractor/internal/logger"
)

func (n *Node) TransferLeadership() error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if n.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader, cannot transfer")
	}

	future := n.raft.LeadershipTransfer()
	if err := future.Error(); err != nil {
		return fmt.Errorf("leadership transfer failed: %w", err)
	}

	return nil
}

// StepDown hands leadership to another voter before this node shuts down,
// so ingestion resumes on a peer without waiting for an election timeout.
// It is a no-op on followers and single-node clusters.
func (n *Node) StepDown(ctx context.Context) error {
	if !n.IsLeader() {
		return nil
	}

	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	voters := 0
	for _, server := range future.Configuration().Servers {
		if server.Suffrage == raft.Voter {
			voters++
		}
	}
	if voters < 2 {
		return nil
	}

	logger.Info("Transferring leadership before shutdown", "node", n.config.NodeID)
	if err := n.TransferLeadership(); err != nil {
		return err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for n.IsLeader() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.Info("Leadership transferred", "old_leader", n.config.NodeID, "new_leader", n.Leader())
	return nil
}
