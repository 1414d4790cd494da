package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a managed campaign.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// ErrRunNotFound is returned for unknown campaign IDs.
var ErrRunNotFound = errors.New("campaign run not found")

// RunSaver persists completed runs.
type RunSaver interface {
	SaveRun(run *Run) error
}

// Observer receives campaign lifecycle events.
type Observer interface {
	CampaignStarted(dryRun bool)
	CampaignFinished(run *Run)
}

// Status is the externally visible state of one managed campaign.
type Status struct {
	ID       string    `json:"id"`
	State    State     `json:"state"`
	DryRun   bool      `json:"dry_run"`
	Started  time.Time `json:"started"`
	Progress Snapshot  `json:"progress"`
	Result   *Run      `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type managedRun struct {
	id      string
	dryRun  bool
	started time.Time
	cancel  context.CancelFunc
	prog    *Progress

	mu    sync.Mutex
	state State
	run   *Run
	err   error
}

func (m *managedRun) status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		ID:       m.id,
		State:    m.state,
		DryRun:   m.dryRun,
		Started:  m.started,
		Progress: m.prog.Snapshot(),
		Result:   m.run,
	}
	if m.err != nil {
		st.Error = m.err.Error()
	}
	return st
}

// Manager owns asynchronous campaign execution: each started campaign
// runs its own sequential dispatch loop on a dedicated goroutine.
// Campaigns are independent; there is no cross-campaign ordering.
type Manager struct {
	dispatcher *Dispatcher
	saver      RunSaver
	observer   Observer
	logger     *slog.Logger

	mu   sync.RWMutex
	runs map[string]*managedRun
	wg   sync.WaitGroup
}

// NewManager creates a manager. saver and observer may be nil.
func NewManager(dispatcher *Dispatcher, saver RunSaver, observer Observer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		dispatcher: dispatcher,
		saver:      saver,
		observer:   observer,
		logger:     logger.With("component", "campaign-manager"),
		runs:       make(map[string]*managedRun),
	}
}

// Start launches a campaign and returns its ID immediately.
func (m *Manager) Start(ctx context.Context, req *Request) (string, error) {
	if len(req.Recipients) == 0 {
		return "", errors.New("no recipients")
	}
	// Reject before spawning so callers get a synchronous error for an
	// empty pool instead of a run that failed instantly.
	if _, err := NewPool(req.Servers, req.Policy); err != nil {
		return "", err
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	runCtx, cancel := context.WithCancel(ctx)
	mr := &managedRun{
		id:      req.ID,
		dryRun:  req.DryRun,
		started: time.Now(),
		cancel:  cancel,
		prog:    NewProgress(len(req.Recipients)),
		state:   StateRunning,
	}

	m.mu.Lock()
	if _, exists := m.runs[mr.id]; exists {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("campaign %s already exists", mr.id)
	}
	m.runs[mr.id] = mr
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.CampaignStarted(req.DryRun)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.execute(runCtx, req, mr)
	}()

	return mr.id, nil
}

func (m *Manager) execute(ctx context.Context, req *Request, mr *managedRun) {
	run, err := m.dispatcher.Run(ctx, req, mr.prog)

	mr.mu.Lock()
	mr.run = run
	switch {
	case err == nil:
		mr.state = StateCompleted
	case errors.Is(err, context.Canceled):
		mr.state = StateCancelled
	default:
		mr.state = StateFailed
		mr.err = err
	}
	mr.mu.Unlock()

	if run != nil {
		if m.observer != nil {
			m.observer.CampaignFinished(run)
		}
		if m.saver != nil && !run.DryRun {
			if serr := m.saver.SaveRun(run); serr != nil {
				m.logger.Error("failed to persist run", "run_id", run.ID, "error", serr)
			}
		}
	}
}

// Get returns the status of one campaign.
func (m *Manager) Get(id string) (Status, error) {
	m.mu.RLock()
	mr, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return Status{}, ErrRunNotFound
	}
	return mr.status(), nil
}

// Cancel requests cancellation of a running campaign. Cancelling a
// finished campaign is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	mr, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrRunNotFound
	}
	mr.cancel()
	return nil
}

// List returns the status of all known campaigns, newest first.
func (m *Manager) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.runs))
	for _, mr := range m.runs {
		out = append(out, mr.status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	return out
}

// Stop cancels every running campaign and waits for their goroutines
// to drain.
func (m *Manager) Stop() {
	m.mu.RLock()
	for _, mr := range m.runs {
		mr.cancel()
	}
	m.mu.RUnlock()
	m.wg.Wait()
	m.logger.Info("campaign manager stopped")
}
