package revoke

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"runtrack/internal/observability"
)

// ErrActiveTasksRemain reports a partial sweep: retries were exhausted while
// tasks were still active.
var ErrActiveTasksRemain = errors.New("active tasks remain after revoke sweep")

// SweepConfig tunes the revoke sweep. Zero values take the defaults.
type SweepConfig struct {
	// MaxRetries caps the number of full sweeps. Default 5.
	MaxRetries int
	// RetryPause separates consecutive sweeps. Default 1s.
	RetryPause time.Duration
	// ConfirmWindow is how long each sweep waits for revokes to propagate
	// before the next sweep. Default 3s.
	ConfirmWindow time.Duration
	// PollInterval is the re-query cadence inside the confirm window.
	// Default 250ms.
	PollInterval time.Duration

	// Sleep overrides waits in tests.
	Sleep func(time.Duration)
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryPause <= 0 {
		c.RetryPause = time.Second
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = 3 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	return c
}

// Coordinator issues and retries cancellation against the control plane,
// using the record store for durable bookkeeping.
type Coordinator struct {
	control ControlPlane
	records *Store
	cfg     SweepConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCoordinator builds a coordinator. The record store may be nil when no
// bookkeeping is wanted.
func NewCoordinator(control ControlPlane, records *Store, cfg SweepConfig, logger *observability.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		control: control,
		records: records,
		cfg:     cfg.withDefaults(),
		logger:  observability.OrNop(logger).WithComponent("revoke"),
		metrics: metrics,
	}
}

// RevokeActiveTasks sweeps the control plane's active tasks, issuing a
// terminate-revoke per task in ascending start-time order, and repeats until
// no tasks remain active or retries are exhausted. It returns the ids it
// issued revokes for.
//
// Tasks are revoked in the order they started because tearing a child down
// before its parent has signalled its own revocation trips cross-dependency
// errors in the execution engine. The ordering contract is literal: requests
// are issued sequentially, never in parallel.
//
// A control plane that cannot be reached ends the sweep immediately; this
// typically runs on a shutdown path where blocking is worse than an
// incomplete but observable outcome.
func (c *Coordinator) RevokeActiveTasks(ctx context.Context, filter Filter, predicate func(ActiveTask) bool) ([]string, error) {
	start := time.Now()
	defer func() {
		c.metrics.SweepObserved(time.Since(start).Seconds())
	}()

	c.logger.Debug("querying control plane for active tasks")
	active, err := c.listActive(ctx, filter, predicate)
	if err != nil {
		c.logger.Info("failed to read active tasks from control plane; may shut down with unrevoked tasks", "error", err)
		return nil, err
	}

	var revoked []string
	issued := make(map[string]bool)

	retries := 0
	for len(active) > 0 && retries < c.cfg.MaxRetries {
		if retries > 0 {
			c.logger.Warn("active tasks remain after revoke; revoking again",
				"active", len(active), "sweep", retries+1)
			c.cfg.Sleep(c.cfg.RetryPause)
		}

		sortByStartTime(active)
		for _, task := range active {
			c.logger.Info("revoking task", "name", task.Name, "id", task.ID)
			if err := c.control.Terminate(ctx, task.ID); err != nil {
				if IsUnavailable(err) {
					c.logger.Info("control plane unavailable during revoke; stopping sweep", "error", err)
					return revoked, err
				}
				c.logger.Warn("terminate request failed", "id", task.ID, "error", err)
				continue
			}
			c.metrics.RevokeIssued()
			if !issued[task.ID] {
				issued[task.ID] = true
				revoked = append(revoked, task.ID)
			}
		}

		active, err = c.confirmRevokes(ctx, filter, predicate)
		if err != nil {
			c.logger.Info("failed to read active tasks from control plane; may shut down with unrevoked tasks", "error", err)
			return revoked, err
		}
		retries++
	}

	if len(active) > 0 {
		c.logger.Warn("exceeded max revoke retries; tasks may not be revoked", "active", len(active))
		return revoked, fmt.Errorf("%w: %d still active", ErrActiveTasksRemain, len(active))
	}

	c.logger.Info("confirmed no active tasks after revoke")
	if c.records != nil {
		for _, id := range revoked {
			c.records.MarkTaskComplete(id)
		}
	}
	return revoked, nil
}

// confirmRevokes polls active tasks through the confirm window to absorb
// propagation delay.
func (c *Coordinator) confirmRevokes(ctx context.Context, filter Filter, predicate func(ActiveTask) bool) ([]ActiveTask, error) {
	active, err := c.listActive(ctx, filter, predicate)
	if err != nil {
		return nil, err
	}
	polls := int(c.cfg.ConfirmWindow / c.cfg.PollInterval)
	for i := 0; i < polls && len(active) > 0; i++ {
		c.cfg.Sleep(c.cfg.PollInterval)
		active, err = c.listActive(ctx, filter, predicate)
		if err != nil {
			return nil, err
		}
	}
	return active, nil
}

func (c *Coordinator) listActive(ctx context.Context, filter Filter, predicate func(ActiveTask) bool) ([]ActiveTask, error) {
	active, err := c.control.ListActiveTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	if predicate == nil {
		return active, nil
	}
	filtered := active[:0]
	for _, task := range active {
		if predicate(task) {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

// sortByStartTime orders tasks by start time ascending, unknown start times
// last. The sort is stable so equal start times keep the control plane's
// order.
func sortByStartTime(tasks []ActiveTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return startOrInf(tasks[i]) < startOrInf(tasks[j])
	})
}

func startOrInf(t ActiveTask) float64 {
	if t.StartTime == nil {
		return math.Inf(1)
	}
	return *t.StartTime
}
