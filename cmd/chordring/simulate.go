package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/pkg"
)

func simHost(i int) string {
	return fmt.Sprintf("10.%d.%d.%d", (i>>16)&0xff, (i>>8)&0xff, i&0xff)
}

// runSimulation joins count nodes one after another over an in-memory
// network and prints every node's ring pointers. A fixed seed reproduces the
// same ring.
func runSimulation(ctx context.Context, w io.Writer, count int, seed int64, keyspace *big.Int, logger *pkg.Logger) error {
	if count <= 0 {
		return fmt.Errorf("node count must be positive, got %d", count)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	network := chord.NewMemoryNetwork()
	nodes := make([]*chord.ChordNode, 0, count)
	defer func() {
		for _, n := range nodes {
			_ = n.Shutdown()
		}
	}()

	for i := 0; i < count; i++ {
		cfg := config.DefaultConfig()
		cfg.Host = simHost(i + 1)
		cfg.HTTPPort = 0
		cfg.Keyspace = keyspace
		cfg.Seed = seed + int64(i)
		// Maintenance would make the printed ring depend on timing.
		cfg.MonitorHealthSchedule = time.Hour
		cfg.UpdateTableSchedule = time.Hour
		if i > 0 {
			cfg.BootstrapNodes = []string{simHost(1)}
		}

		node, err := chord.NewChordNode(cfg, network, logger)
		if err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		network.Register(cfg.Address(), node)
		nodes = append(nodes, node)

		if err := node.Join(ctx); err != nil {
			return fmt.Errorf("node %d failed to join: %w", i, err)
		}
	}

	statuses := make([]chord.NodeStatus, len(nodes))
	for i, n := range nodes {
		statuses[i] = n.Status()
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Local.ID.Less(statuses[j].Local.ID)
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tPREDECESSOR\tSUCCESSOR\tFINGERS")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			st.Local.ID.Short(), st.Local.Address(),
			st.Predecessor.ID.Short(), st.Successor.ID.Short(),
			len(st.Fingers))
	}
	return tw.Flush()
}
