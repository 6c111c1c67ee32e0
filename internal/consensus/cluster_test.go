package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lakehouse/extractor/internal/watermark"
)

func waitForLeader(t *testing.T, nodes ...*Node) *Node {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.IsLeader() {
				return n
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("No leader node found")
	return nil
}

func TestSingleNodeCluster(t *testing.T) {
	store := newTestStore(t)
	node, err := NewNode(&NodeConfig{
		NodeID:    "node1",
		BindAddr:  "127.0.0.1:16001",
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}, store)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}

	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}
	defer node.Stop()

	waitForLeader(t, node)
	if err := node.Barrier(ctx); err != nil {
		t.Fatalf("Barrier failed: %v", err)
	}

	checkpoint := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	if err := node.Set(ctx, "fact_sales", checkpoint); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := node.Get(ctx, "fact_sales")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Equal(checkpoint) {
		t.Errorf("expected %v, got %v", checkpoint, got)
	}

	var regression *watermark.RegressionError
	if err := node.Set(ctx, "fact_sales", checkpoint.Add(-time.Hour)); !errors.As(err, &regression) {
		t.Errorf("expected RegressionError through raft, got %v", err)
	}

	if err := node.Reset(ctx, "fact_sales", time.Time{}); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	got, _ = node.Get(ctx, "fact_sales")
	if !got.Equal(watermark.DefaultEpoch) {
		t.Errorf("expected default epoch after reset, got %v", got)
	}

	if err := node.StepDown(ctx); err != nil {
		t.Errorf("StepDown on single node should be a no-op, got %v", err)
	}
}

func TestThreeNodeCluster(t *testing.T) {
	store1 := newTestStore(t)
	store2 := newTestStore(t)
	store3 := newTestStore(t)

	node1, err := NewNode(&NodeConfig{
		NodeID:    "node1",
		BindAddr:  "127.0.0.1:17001",
		DataDir:   t.TempDir(),
		Bootstrap: true,
		PeerAddrs: map[string]string{
			"node2": "127.0.0.1:17002",
			"node3": "127.0.0.1:17003",
		},
	}, store1)
	if err != nil {
		t.Fatalf("Failed to create node1: %v", err)
	}

	node2, err := NewNode(&NodeConfig{
		NodeID:   "node2",
		BindAddr: "127.0.0.1:17002",
		DataDir:  t.TempDir(),
		PeerAddrs: map[string]string{
			"node1": "127.0.0.1:17001",
			"node3": "127.0.0.1:17003",
		},
	}, store2)
	if err != nil {
		t.Fatalf("Failed to create node2: %v", err)
	}

	node3, err := NewNode(&NodeConfig{
		NodeID:   "node3",
		BindAddr: "127.0.0.1:17003",
		DataDir:  t.TempDir(),
		PeerAddrs: map[string]string{
			"node1": "127.0.0.1:17001",
			"node2": "127.0.0.1:17002",
		},
	}, store3)
	if err != nil {
		t.Fatalf("Failed to create node3: %v", err)
	}

	ctx := context.Background()

	if err := node1.Start(ctx); err != nil {
		t.Fatalf("Failed to start node1: %v", err)
	}
	defer node1.Stop()

	errCh := make(chan error, 2)
	go func() { errCh <- node2.Start(ctx) }()
	go func() { errCh <- node3.Start(ctx) }()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("Failed to start follower: %v", err)
		}
	}
	defer node2.Stop()
	defer node3.Stop()

	leaderNode := waitForLeader(t, node1, node2, node3)

	leaderCount := 0
	for _, n := range []*Node{node1, node2, node3} {
		if n.IsLeader() {
			leaderCount++
		} else if err := n.Set(ctx, "fact_sales", time.Now()); !errors.Is(err, ErrNotLeader) {
			t.Errorf("follower accepted a write: %v", err)
		}
	}
	if leaderCount != 1 {
		t.Errorf("Expected exactly 1 leader, got %d", leaderCount)
	}

	checkpoint := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	if err := leaderNode.Set(ctx, "fact_sales", checkpoint); err != nil {
		t.Fatalf("Failed to set watermark: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, store := range []*watermark.BoltStore{store1, store2, store3} {
		for {
			got, err := store.Get(ctx, "fact_sales")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Equal(checkpoint) {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("watermark not replicated, got %v", got)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := leaderNode.StepDown(stepCtx); err != nil {
		t.Fatalf("StepDown failed: %v", err)
	}
	if leaderNode.IsLeader() {
		t.Error("node is still leader after stepping down")
	}

	var others []*Node
	for _, n := range []*Node{node1, node2, node3} {
		if n != leaderNode {
			others = append(others, n)
		}
	}
	newLeader := waitForLeader(t, others...)
	if err := newLeader.Barrier(stepCtx); err != nil {
		t.Fatalf("Barrier on new leader failed: %v", err)
	}
	got, err := newLeader.Get(ctx, "fact_sales")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Equal(checkpoint) {
		t.Errorf("new leader reads %v, expected committed watermark %v", got, checkpoint)
	}
	if err := newLeader.Set(ctx, "fact_sales", checkpoint.Add(time.Hour)); err != nil {
		t.Errorf("new leader could not advance watermark: %v", err)
	}
}
