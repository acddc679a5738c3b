// Package triggers starts workflow runs from the outside world: operational
// events on the streaming hub, cron schedules, and metric thresholds. Triggers
// are stateless descriptors on the definition; all firing state lives here.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsflow-io/opsflow/internal/store"
	"github.com/opsflow-io/opsflow/internal/streaming"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// DefaultEvalInterval is the tick for scheduled and threshold evaluation.
const DefaultEvalInterval = 30 * time.Second

// RunStarter is the slice of the engine the trigger manager needs.
type RunStarter interface {
	StartRun(ctx context.Context, definitionID string, version int, trigger map[string]any) (*store.Run, error)
}

// EventSink records trigger_fired audit events. Satisfied by the store.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// binding ties one trigger descriptor to its definition plus the mutable
// firing state the descriptor itself does not carry.
type binding struct {
	definitionID string
	version      int
	trigger      schema.Trigger

	// scheduled
	schedule cron.Schedule
	nextRun  time.Time

	// threshold
	crossed   bool
	lastFired time.Time
}

// Manager evaluates trigger bindings and starts runs through the engine.
type Manager struct {
	starter  RunStarter
	hub      streaming.Hub
	metrics  *streaming.MetricCache
	events   EventSink
	parser   cron.Parser
	interval time.Duration
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	bindings []*binding
	cancel   context.CancelFunc
	done     chan struct{}
}

// Config holds trigger manager tunables.
type Config struct {
	// EvalInterval is the scheduled/threshold tick. Defaults to 30s.
	EvalInterval time.Duration
	// Cooldown suppresses repeated threshold fires. Defaults to EvalInterval.
	Cooldown time.Duration
}

// NewManager creates a trigger manager. hub and metrics may be nil, disabling
// event and threshold triggers respectively.
func NewManager(starter RunStarter, hub streaming.Hub, metrics *streaming.MetricCache, events EventSink, cfg Config, logger *slog.Logger) *Manager {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = DefaultEvalInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = cfg.EvalInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		starter:  starter,
		hub:      hub,
		metrics:  metrics,
		events:   events,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: cfg.EvalInterval,
		cooldown: cfg.Cooldown,
		logger:   logger,
	}
}

// Register binds a definition's triggers. Scheduled triggers get their first
// fire time computed immediately; malformed cron expressions are rejected
// (validation normally catches them earlier).
func (m *Manager) Register(def *schema.WorkflowDefinition) error {
	now := time.Now().UTC()
	var fresh []*binding
	for _, tr := range def.Triggers {
		b := &binding{definitionID: def.ID, version: def.Version, trigger: tr}
		if tr.Kind == schema.TriggerKindScheduled {
			schedule, err := m.parser.Parse(tr.Cron)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"definition %s: invalid cron %q: %s", def.ID, tr.Cron, err.Error())
			}
			b.schedule = schedule
			b.nextRun = schedule.Next(now)
		}
		fresh = append(fresh, b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-registering a definition replaces its previous bindings so a new
	// version's triggers win.
	kept := m.bindings[:0]
	for _, b := range m.bindings {
		if b.definitionID != def.ID {
			kept = append(kept, b)
		}
	}
	m.bindings = append(kept, fresh...)
	return nil
}

// Start launches the event subscription and the evaluation ticker.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return fmt.Errorf("trigger manager already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	eventsCh, detach, err := m.subscribeOps(runCtx)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		defer close(m.done)
		if detach != nil {
			defer detach()
		}

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-eventsCh:
				if !ok {
					eventsCh = nil
					continue
				}
				m.handleOpsEvent(runCtx, ev)
			case <-ticker.C:
				now := time.Now().UTC()
				m.evalScheduled(runCtx, now)
				m.evalThresholds(runCtx, now)
			}
		}
	}()

	m.logger.InfoContext(ctx, "trigger manager started", "interval", m.interval.String())
	return nil
}

// Stop halts evaluation and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// fire starts a run and records the trigger_fired audit event.
func (m *Manager) fire(ctx context.Context, b *binding, provenance map[string]any) {
	run, err := m.starter.StartRun(ctx, b.definitionID, b.version, provenance)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.Code == schema.ErrCodeConflict {
			// Single-flight dedup; not a failure.
			m.logger.DebugContext(ctx, "trigger suppressed by single-flight",
				"definition_id", b.definitionID)
			return
		}
		m.logger.ErrorContext(ctx, "trigger fire failed",
			"definition_id", b.definitionID, "kind", string(b.trigger.Kind), "error", err)
		return
	}

	if m.events != nil {
		event := &store.Event{
			RunID:   run.ID,
			Type:    schema.EventTriggerFired,
			Payload: marshalPayload(provenance),
		}
		if err := m.events.AppendEvent(ctx, event); err != nil {
			m.logger.WarnContext(ctx, "record trigger event failed", "run_id", run.ID, "error", err)
		}
	}

	m.logger.InfoContext(ctx, "trigger fired",
		"definition_id", b.definitionID, "kind", string(b.trigger.Kind), "run_id", run.ID)
}

func (m *Manager) snapshotBindings() []*binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*binding, len(m.bindings))
	copy(out, m.bindings)
	return out
}
