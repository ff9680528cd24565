package chord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zde37/chordring/pkg/ringkey"
)

// monitorHealthLoop periodically health-checks the fingers.
func (n *ChordNode) monitorHealthLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.MonitorHealthSchedule)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Debug().Msg("Health monitor stopped")
			return
		case <-ticker.C:
			if err := n.monitorHealth(ctx); err != nil && ctx.Err() == nil {
				n.logger.Error().Err(err).Msg("Health monitor cycle failed")
			}
		}
	}
}

// refreshTableLoop periodically rebuilds the finger table.
func (n *ChordNode) refreshTableLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.UpdateTableSchedule)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Debug().Msg("Table refresh stopped")
			return
		case <-ticker.C:
			if err := n.refreshTable(ctx); err != nil && ctx.Err() == nil {
				n.logger.Error().Err(err).Msg("Table refresh failed")
			}
		}
	}
}

// monitorHealth runs one two-round health cycle. Every live finger is checked
// with HealthCheckTimeout; those that fail become Questionable and are checked
// again right away with the shorter HealthRecheckTimeout. Failing the second
// round makes them Dead. A finger that answers the re-check stays Questionable.
func (n *ChordNode) monitorHealth(ctx context.Context) error {
	r := n.snapshot()
	if r.table == nil {
		return nil
	}

	targets := make([]*Endpoint, 0, r.table.Len())
	for _, f := range r.table.Fingers() {
		if f.ID.Equal(r.local.ID) || f.Health == HealthDead {
			continue
		}
		targets = append(targets, f)
	}
	if len(targets) == 0 {
		return nil
	}

	failed := n.checkAll(ctx, targets, n.config.HealthCheckTimeout, "first")
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range failed {
		n.markFinger(r.table, f, HealthQuestionable)
	}
	if len(failed) == 0 {
		return nil
	}

	dead := n.checkAll(ctx, failed, n.config.HealthRecheckTimeout, "recheck")
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range dead {
		n.markFinger(r.table, f, HealthDead)
	}

	n.logger.Debug().
		Int("checked", len(targets)).
		Int("questionable", len(failed)).
		Int("dead", len(dead)).
		Msg("Health monitor cycle completed")
	return nil
}

// checkAll health-checks targets in parallel and returns those that did not
// answer within timeout or reported themselves Dead.
func (n *ChordNode) checkAll(ctx context.Context, targets []*Endpoint, timeout time.Duration, round string) []*Endpoint {
	ok := make([]bool, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target *Endpoint) {
			defer wg.Done()
			resp, err := n.HealthCheck(ctx, target, timeout)
			ok[i] = err == nil && resp.Health != HealthDead
			n.metrics.ObserveHealthCheck(round, ok[i])
		}(i, target)
	}
	wg.Wait()

	var failed []*Endpoint
	for i, target := range targets {
		if !ok[i] {
			failed = append(failed, target)
		}
	}
	return failed
}

// refreshTable rebuilds the finger table by looking up every finger target.
func (n *ChordNode) refreshTable(ctx context.Context) error {
	r := n.snapshot()
	if r.table == nil {
		return nil
	}

	start := time.Now()
	size, err := r.table.RebuildTable(ctx, func(ctx context.Context, key ringkey.Key) (*Endpoint, error) {
		return n.LookupKey(ctx, key, nil)
	}, n.config.RebuildTimeout)
	n.metrics.ObserveRebuild(time.Since(start), err)
	if err != nil {
		return fmt.Errorf("rebuild finger table: %w", err)
	}

	n.metrics.SetFingerCount(size)
	n.logger.Debug().
		Int("fingers", size).
		Dur("took", time.Since(start)).
		Msg("Finger table refreshed")
	n.broadcast(EventTableRefresh, nil, fmt.Sprintf("finger table rebuilt with %d entries", size))
	return nil
}
