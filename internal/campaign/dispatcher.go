package campaign

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sender performs a single live delivery attempt through a server.
// Implementations must honor the context deadline.
type Sender interface {
	Send(ctx context.Context, server *Server, rcpt Recipient, msg *Message) error
}

// UsageRecorder tracks real sends for the advisory per-server hourly
// cap. Record returns the attempt count in the current hour window.
type UsageRecorder interface {
	Record(server string) int
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// AttemptTimeout bounds each individual delivery attempt
	// (connect + transaction). Defaults to 30s.
	AttemptTimeout time.Duration

	// IsServerFault classifies an attempt error: server-level faults
	// (connect, auth, timeout) trigger failover, per-recipient
	// rejections do not. Defaults to treating every error as a
	// server fault.
	IsServerFault func(error) bool

	// Usage, when set, records live attempts for advisory hourly caps.
	Usage UsageRecorder

	// OnProgress, when set, is invoked after every recipient reaches a
	// terminal status.
	OnProgress func(Snapshot)

	Logger *slog.Logger
}

// Dispatcher runs campaigns: it iterates recipients strictly
// sequentially, pulls the active server from the pool per the rotation
// policy, attempts delivery (or simulates it in dry-run), retries with
// failover, and aggregates the result.
type Dispatcher struct {
	sender         Sender
	attemptTimeout time.Duration
	isServerFault  func(error) bool
	usage          UsageRecorder
	onProgress     func(Snapshot)
	logger         *slog.Logger

	now func() time.Time
}

// NewDispatcher creates a dispatcher. The sender may be nil when only
// dry runs are executed.
func NewDispatcher(sender Sender, cfg DispatcherConfig) *Dispatcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.IsServerFault == nil {
		cfg.IsServerFault = func(error) bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Dispatcher{
		sender:         sender,
		attemptTimeout: cfg.AttemptTimeout,
		isServerFault:  cfg.IsServerFault,
		usage:          cfg.Usage,
		onProgress:     cfg.OnProgress,
		logger:         cfg.Logger,
	}
}

// Run executes one campaign. The returned Run is complete when err is
// nil; on cancellation the partial Run is returned together with the
// context error, with only the recipients that reached a terminal
// status counted. A pool with zero enabled servers aborts before any
// send with ErrNoServersAvailable.
func (d *Dispatcher) Run(ctx context.Context, req *Request, prog *Progress) (*Run, error) {
	pool, err := NewPool(req.Servers, req.Policy)
	if err != nil {
		return nil, err
	}
	if d.now != nil {
		pool.now = d.now
		pool.activeAt = d.now()
	}

	if prog == nil {
		prog = NewProgress(len(req.Recipients))
	}
	prog.setCurrentServer(pool.Current().Name)

	runID := req.ID
	if runID == "" {
		runID = uuid.New().String()
	}

	run := &Run{
		ID:             runID,
		DryRun:         req.DryRun,
		StartTime:      time.Now(),
		Total:          len(req.Recipients),
		PerServerUsage: make(map[string]int),
	}

	logger := d.logger.With("run_id", run.ID, "dry_run", req.DryRun)
	logger.Info("campaign started",
		"recipients", run.Total,
		"servers", pool.Size(),
		"mode", req.Policy.Mode,
	)

	var aborted error
	for i := range req.Recipients {
		// Cancellation is observed between recipients only: the
		// in-flight recipient either completes and is recorded, or is
		// never started.
		if err := ctx.Err(); err != nil {
			aborted = err
			break
		}

		rcpt := &req.Recipients[i]

		if pool.RotateIfDue() {
			logger.Info("rotated server", "server", pool.Current().Name, "rotation", pool.Rotations())
		}
		prog.setCurrentServer(pool.Current().Name)

		srv, err := d.deliver(ctx, pool, run, prog, rcpt, &req.Message, req.DryRun)
		if err != nil {
			run.Failed++
			run.FailedRecipients = append(run.FailedRecipients, FailedRecipient{
				Email:     rcpt.Email,
				Error:     err.Error(),
				Server:    srv,
				Timestamp: time.Now(),
			})
			prog.recordFailed()
			logger.Warn("delivery failed", "email", rcpt.Email, "server", srv, "error", err)
		} else {
			run.Sent++
			prog.recordSent()
			logger.Debug("delivered", "email", rcpt.Email, "server", srv)
		}

		prog.setRotations(pool.Rotations())
		if d.onProgress != nil {
			d.onProgress(prog.Snapshot())
		}

		if i < len(req.Recipients)-1 {
			if err := sleepCtx(ctx, req.Policy.DelayBetweenSends); err != nil {
				aborted = err
				break
			}
		}
	}

	run.EndTime = time.Now()
	run.RotationCount = pool.Rotations()
	run.Failovers = pool.Failovers()

	if aborted != nil {
		logger.Info("campaign aborted",
			"sent", run.Sent,
			"failed", run.Failed,
			"processed", run.Sent+run.Failed,
			"total", run.Total,
		)
		return run, aborted
	}

	logger.Info("campaign completed",
		"sent", run.Sent,
		"failed", run.Failed,
		"rotations", run.RotationCount,
		"duration", run.Duration(),
	)
	return run, nil
}

// deliver attempts delivery for one recipient, retrying up to the
// policy bound with failover on server faults. It returns the name of
// the server used for the last attempt.
func (d *Dispatcher) deliver(ctx context.Context, pool *Pool, run *Run, prog *Progress, rcpt *Recipient, msg *Message, dryRun bool) (string, error) {
	attempts := pool.policy.MaxRetries + 1

	var lastErr error
	var lastServer string

	for try := 0; try < attempts; try++ {
		srv := pool.Current()
		lastServer = srv.Name

		pool.RecordAttempt()
		run.PerServerUsage[srv.Name]++
		prog.recordAttempt(srv.Name)

		if dryRun {
			// Simulated delivery always succeeds; the validator has
			// already excluded invalid recipients.
			return srv.Name, nil
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		err := d.sender.Send(attemptCtx, srv, *rcpt, msg)
		cancel()

		d.recordUsage(srv)

		if err == nil {
			return srv.Name, nil
		}
		lastErr = err

		if d.isServerFault(err) && pool.Failover() {
			prog.setCurrentServer(pool.Current().Name)
			d.logger.Warn("failover",
				"from", srv.Name,
				"to", pool.Current().Name,
				"error", err,
			)
		}

		if try < attempts-1 {
			if serr := sleepCtx(ctx, pool.policy.DelayBetweenSends); serr != nil {
				// Cancelled mid-recipient after at least one attempt:
				// record the terminal failure rather than losing it.
				return lastServer, lastErr
			}
		}
	}

	return lastServer, lastErr
}

// recordUsage feeds the advisory hourly counter and warns when the
// soft cap is exceeded. The cap is never enforced.
func (d *Dispatcher) recordUsage(srv *Server) {
	if d.usage == nil {
		return
	}
	count := d.usage.Record(srv.Name)
	if srv.MaxEmailsPerHour > 0 && count > srv.MaxEmailsPerHour {
		d.logger.Warn("hourly soft cap exceeded",
			"server", srv.Name,
			"count", count,
			"max_emails_per_hour", srv.MaxEmailsPerHour,
		)
	}
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
