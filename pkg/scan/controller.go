package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/eventbus"
	"github.com/kestrelsec/kestrel/pkg/executor"
	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/llms"
	"github.com/kestrelsec/kestrel/pkg/observability"
	"github.com/kestrelsec/kestrel/pkg/router"
	"github.com/kestrelsec/kestrel/pkg/toolbox"
)

// CreateRequest is the API payload for starting a scan.
type CreateRequest struct {
	Target    string   `json:"target"`
	Objective string   `json:"objective,omitempty"`
	Profile   Profile  `json:"profile,omitempty"`
	EnableAI  *bool    `json:"enable_ai,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

// Controller owns scan lifecycles. One controller serves the whole
// process; each accepted scan runs on its own goroutine.
type Controller struct {
	cfg     *config.Config
	store   Store
	bus     *eventbus.Bus
	router  *router.Router
	toolbox *toolbox.Toolbox
	runner  ToolRunner
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewController wires the scan controller.
func NewController(cfg *config.Config, store Store, bus *eventbus.Bus, rt *router.Router, tb *toolbox.Toolbox, runner ToolRunner, metrics *observability.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.New()
	}
	return &Controller{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		router:  rt,
		toolbox: tb,
		runner:  runner,
		metrics: metrics,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// CreateScan validates the request, persists the scan and launches its
// goroutine. Validation failures return synchronously as RequestError;
// everything after acceptance is reported through the event stream.
func (c *Controller) CreateScan(ctx context.Context, req CreateRequest) (*Scan, error) {
	target, err := executor.ValidateTarget(req.Target, c.cfg.Executor.AllowPrivateTargets)
	if err != nil {
		return nil, validationError("target: %v", err)
	}

	profile := req.Profile
	if profile == "" {
		profile = ProfileNormal
	}
	if !profile.Valid() {
		return nil, validationError("unknown profile %q (quick, normal, aggressive)", req.Profile)
	}

	for _, name := range req.Tools {
		d, ok := c.toolbox.Get(name)
		if !ok {
			return nil, validationError("unknown tool %q", name)
		}
		if d.Disabled {
			return nil, validationError("tool %q is disabled", name)
		}
	}

	enableAI := true
	if req.EnableAI != nil {
		enableAI = *req.EnableAI
	}

	s := &Scan{
		ID:        uuid.NewString(),
		Target:    target,
		Objective: req.Objective,
		Profile:   profile,
		Status:    StatusPending,
		EnableAI:  enableAI,
		Tools:     req.Tools,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.PutScan(ctx, s); err != nil {
		return nil, &RequestError{Kind: ErrKindInternal, Message: fmt.Sprintf("persist scan: %v", err)}
	}
	if err := c.bus.Open(s.ID); err != nil {
		return nil, &RequestError{Kind: ErrKindInternal, Message: fmt.Sprintf("open event stream: %v", err)}
	}

	// The run outlives the request; it gets its own root context.
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, &RequestError{Kind: ErrKindInternal, Message: "controller is shutting down"}
	}
	c.cancels[s.ID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("scan accepted", "scan_id", s.ID, "target", s.Target,
		"profile", s.Profile, "enable_ai", s.EnableAI)

	go func() {
		defer c.wg.Done()
		defer c.release(s.ID)
		newRun(c, s).execute(runCtx)
	}()

	snapshot := *s
	return &snapshot, nil
}

// Cancel requests cancellation of a running scan. Cancelling a scan that
// already reached a terminal state is a no-op; the current status is
// returned either way.
func (c *Controller) Cancel(ctx context.Context, id string) (Status, error) {
	s, err := c.Get(ctx, id)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	cancel, running := c.cancels[id]
	c.mu.Unlock()
	if running {
		cancel()
	}
	return s.Status, nil
}

// Get returns one scan record.
func (c *Controller) Get(ctx context.Context, id string) (*Scan, error) {
	s, err := c.store.GetScan(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &RequestError{Kind: ErrKindNotFound, Message: fmt.Sprintf("scan %s not found", id)}
	}
	if err != nil {
		return nil, &RequestError{Kind: ErrKindInternal, Message: err.Error()}
	}
	return s, nil
}

// List returns all scan records, newest-created last.
func (c *Controller) List(ctx context.Context) ([]*Scan, error) {
	return c.store.ListScans(ctx)
}

// Steps returns the recorded agent steps of one scan.
func (c *Controller) Steps(ctx context.Context, id string) ([]*AgentStep, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.store.StepsForScan(ctx, id)
}

// Findings returns the persisted findings of one scan.
func (c *Controller) Findings(ctx context.Context, id string) ([]*findings.Finding, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.store.FindingsForScan(ctx, id)
}

// Shutdown cancels every running scan and waits for their goroutines,
// bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scans still draining: %w", ctx.Err())
	}
}

// completionConfig derives per-call generation settings from the slot's
// provider config.
func (c *Controller) completionConfig(mode router.Mode) llms.CompletionConfig {
	slot := c.cfg.Providers.Fast
	if mode == router.ModeDeep {
		slot = c.cfg.Providers.Deep
	}
	cc := llms.CompletionConfig{MaxTokens: slot.MaxTokens}
	if slot.Temperature != nil {
		cc.Temperature = *slot.Temperature
	}
	return cc
}

func (c *Controller) release(id string) {
	c.mu.Lock()
	if cancel, ok := c.cancels[id]; ok {
		cancel()
		delete(c.cancels, id)
	}
	c.mu.Unlock()
}
