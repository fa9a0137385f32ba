package admission

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Decision is the outcome of an admission check
type Decision string

const (
	DecisionAccept          Decision = "ACCEPT"
	DecisionRejectQueueFull Decision = "REJECT_QUEUE_FULL"
	DecisionRejectDBBusy    Decision = "REJECT_DB_BUSY"
	DecisionRejectDraining  Decision = "REJECT_DRAINING"
)

// OperationClass describes the resource weight of the gated work. It is
// carried for observability; all classes share the same counters.
type OperationClass string

const (
	ClassInteractive OperationClass = "interactive"
	ClassBatch       OperationClass = "batch"
)

// Result carries the decision plus a machine-readable retry hint
type Result struct {
	Decision   Decision
	Reason     string
	RetryAfter time.Duration
}

// Accepted reports whether the gated operation may start
func (r Result) Accepted() bool {
	return r.Decision == DecisionAccept
}

// Config holds admission limits
type Config struct {
	GlobalMaxOperations int
	PerDatabaseMax      int
	RetryAfter          time.Duration
}

// Controller is the synchronous gate consulted before starting any gated
// operation. It never queues internally: rejection is explicit and carries
// a retry-after hint so callers back off instead of piling up against the
// embedded engine.
type Controller struct {
	tracker    *Tracker
	globalMax  int
	perDBMax   int
	retryAfter time.Duration
	draining   atomic.Bool
	logger     *slog.Logger
}

// NewController creates an admission controller over the given tracker
func NewController(cfg *Config, tracker *Tracker, logger *slog.Logger) *Controller {
	retryAfter := cfg.RetryAfter
	if retryAfter <= 0 {
		retryAfter = 5 * time.Second
	}

	return &Controller{
		tracker:    tracker,
		globalMax:  cfg.GlobalMaxOperations,
		perDBMax:   cfg.PerDatabaseMax,
		retryAfter: retryAfter,
		logger:     logger,
	}
}

// SetDraining marks the node as draining; all subsequent checks reject
func (c *Controller) SetDraining(draining bool) {
	c.draining.Store(draining)
	c.logger.Info("Admission draining state changed",
		slog.Bool("draining", draining),
	)
}

// decide evaluates the limits against the given counter snapshot.
// Must stay O(1): it runs on the hot request path.
func (c *Controller) decide(databaseID string, dbActive, totalActive int) Result {
	if c.draining.Load() {
		return Result{
			Decision:   DecisionRejectDraining,
			Reason:     "node is draining, not accepting new operations",
			RetryAfter: c.retryAfter,
		}
	}

	if totalActive >= c.globalMax {
		return Result{
			Decision:   DecisionRejectQueueFull,
			Reason:     fmt.Sprintf("global in-flight operation ceiling reached (%d)", c.globalMax),
			RetryAfter: c.retryAfter,
		}
	}

	if dbActive >= c.perDBMax {
		return Result{
			Decision:   DecisionRejectDBBusy,
			Reason:     fmt.Sprintf("database %s at concurrency cap (%d)", databaseID, c.perDBMax),
			RetryAfter: c.retryAfter,
		}
	}

	return Result{Decision: DecisionAccept, Reason: "accepted"}
}

// Check evaluates admission without registering a lease. Read-only; a
// caller that intends to run the operation should use Acquire instead so
// the check and the registration are one atomic step.
func (c *Controller) Check(databaseID string, class OperationClass) Result {
	c.tracker.mu.Lock()
	dbActive := c.tracker.counts[databaseID]
	totalActive := c.tracker.total
	c.tracker.mu.Unlock()

	return c.decide(databaseID, dbActive, totalActive)
}

// Acquire checks admission and, on accept, registers a connection lease
// under the same lock so concurrent callers cannot over-admit. The caller
// must defer lease.Release() on every exit path.
func (c *Controller) Acquire(databaseID string, class OperationClass) (*Lease, Result) {
	c.tracker.mu.Lock()
	defer c.tracker.mu.Unlock()

	result := c.decide(databaseID, c.tracker.counts[databaseID], c.tracker.total)
	if !result.Accepted() {
		c.logger.Warn("Operation rejected by admission control",
			slog.String("database_id", databaseID),
			slog.String("class", string(class)),
			slog.String("decision", string(result.Decision)),
			slog.String("reason", result.Reason),
		)
		return nil, result
	}

	c.tracker.register(databaseID)

	c.logger.Debug("Connection lease acquired",
		slog.String("database_id", databaseID),
		slog.String("class", string(class)),
		slog.Int("db_active", c.tracker.counts[databaseID]),
		slog.Int("total_active", c.tracker.total),
	)

	return &Lease{tracker: c.tracker, databaseID: databaseID}, result
}
