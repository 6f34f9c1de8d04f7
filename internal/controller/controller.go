// Package controller exposes the run-level control operations: revoke a
// task, revoke whatever is still active, and answer revocation status from
// durable storage.
package controller

import (
	"context"

	"runtrack/internal/observability"
	"runtrack/internal/revoke"
)

// Controller is the public façade over the revocation coordinator and the
// record store. It is thin on purpose; the underlying components carry the
// behavior.
type Controller struct {
	control revoke.ControlPlane
	records *revoke.Store
	sweeper *revoke.Coordinator
	logger  *observability.Logger
}

// New builds a controller. sweepCfg tunes the revoke sweep.
func New(control revoke.ControlPlane, records *revoke.Store, sweepCfg revoke.SweepConfig, logger *observability.Logger, metrics *observability.Metrics) *Controller {
	return &Controller{
		control: control,
		records: records,
		sweeper: revoke.NewCoordinator(control, records, sweepCfg, logger, metrics),
		logger:  observability.OrNop(logger).WithComponent("controller"),
	}
}

// RevokeTask requests cancellation of one task. The durable record is
// written before the terminate request goes out, because the revoke can land
// fast and any process sharing storage must already see the request. A
// record write failure is logged but never blocks the terminate.
func (c *Controller) RevokeTask(ctx context.Context, taskUUID, reason, user string, rootScope bool) (*revoke.Request, error) {
	req := c.records.NewRequest(taskUUID, reason, user, rootScope)
	if err := c.records.Write(req); err != nil {
		c.logger.Warn("failed to write revoke request", "task_uuid", taskUUID, "error", err)
	}

	if err := c.control.Terminate(ctx, taskUUID); err != nil {
		return req, err
	}
	c.logger.Info("submitted revoke to control plane", "task_uuid", taskUUID, "root_scope", rootScope)
	return req, nil
}

// RevokeActiveTasks sweeps and cancels everything the control plane still
// reports active. See revoke.Coordinator.RevokeActiveTasks.
func (c *Controller) RevokeActiveTasks(ctx context.Context, filter revoke.Filter, predicate func(revoke.ActiveTask) bool) ([]string, error) {
	return c.sweeper.RevokeActiveTasks(ctx, filter, predicate)
}

// IsRunRevoked reports whether a run-scope revoke has ever been requested in
// this storage scope.
func (c *Controller) IsRunRevoked() bool {
	latest, err := c.records.LoadLatestRootScope()
	if err != nil {
		c.logger.Warn("failed to read revoke records", "error", err)
		return false
	}
	return latest != nil
}

// CurrentRunRevoke returns the most recent run-scope revoke request, or nil
// when the run has never been revoked.
func (c *Controller) CurrentRunRevoke() (*revoke.Request, error) {
	return c.records.LoadLatestRootScope()
}

// RunRevokeComplete reports whether the latest run-scope revoke, if any, has
// been confirmed complete.
func (c *Controller) RunRevokeComplete() bool {
	latest, err := c.records.LoadLatestRootScope()
	if err != nil {
		c.logger.Warn("failed to read revoke records", "error", err)
		return false
	}
	return latest != nil && latest.Completed()
}
