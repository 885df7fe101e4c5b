package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/warekit/procflow/internal/expressions"
	"github.com/warekit/procflow/internal/notify"
	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// HandlerFunc runs the business logic of an automatic step. The returned map
// is merged into the instance's workflow data.
type HandlerFunc func(ctx context.Context, params json.RawMessage, data map[string]any) (map[string]any, error)

// Adapter calls an external system on behalf of an integration step.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, params json.RawMessage, payload any) (map[string]any, error)
}

// Outcome is the immediate result of dispatching a step. Waiting is true for
// steps that park until an external completion arrives (manual work, pending
// approvals, async handlers).
type Outcome struct {
	Status  schema.StepStatus
	Waiting bool
	Data    map[string]any
	Err     error
}

// Executor dispatches step instances according to their step type. Handlers
// and adapters are registered at startup; dispatching a step whose handler is
// missing is a definition defect (activation validation checks registration,
// but registries can shrink across restarts).
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	adapters map[string]Adapter

	transformer *expressions.Transformer
	approvals   *Coordinator
	notifier    notify.Notifier
	logger      *slog.Logger
	now         func() time.Time
}

func NewExecutor(transformer *expressions.Transformer, approvals *Coordinator, notifier notify.Notifier, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		handlers:    make(map[string]HandlerFunc),
		adapters:    make(map[string]Adapter),
		transformer: transformer,
		approvals:   approvals,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
	}
}

// RegisterHandler binds an automatic step handler by name.
func (x *Executor) RegisterHandler(name string, fn HandlerFunc) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.handlers[name] = fn
}

// RegisterAdapter binds an integration adapter.
func (x *Executor) RegisterAdapter(a Adapter) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.adapters[a.Name()] = a
}

// HasHandler reports whether an automatic step handler is registered.
func (x *Executor) HasHandler(name string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.handlers[name]
	return ok
}

// HasAdapter reports whether an integration adapter is registered.
func (x *Executor) HasAdapter(name string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.adapters[name]
	return ok
}

// Execute runs the type-specific dispatch of a step instance and returns its
// immediate outcome. Execute never touches the store; the supervisor owns all
// state writes.
func (x *Executor) Execute(ctx context.Context, inst *store.Instance, spec *schema.StepSpec, si *store.StepInstance) Outcome {
	switch spec.Type {
	case schema.StepTypeManual:
		return Outcome{Status: schema.StepStatusInProgress, Waiting: true}
	case schema.StepTypeAutomatic:
		return x.executeAutomatic(ctx, inst, spec)
	case schema.StepTypeApproval:
		return x.executeApproval(ctx, spec, si)
	case schema.StepTypeNotification:
		return x.executeNotification(ctx, inst, spec)
	case schema.StepTypeCondition:
		// Condition steps carry no work of their own; routing happens in
		// their transition rules.
		return Outcome{Status: schema.StepStatusCompleted}
	case schema.StepTypeIntegration:
		return x.executeIntegration(ctx, inst, spec)
	default:
		return Outcome{
			Status: schema.StepStatusFailed,
			Err: schema.NewErrorf(schema.ErrCodeDefinition,
				"unknown step type %q", spec.Type).WithStep(spec.Code),
		}
	}
}

func (x *Executor) executeAutomatic(ctx context.Context, inst *store.Instance, spec *schema.StepSpec) Outcome {
	var cfg schema.AutomaticConfig
	if err := json.Unmarshal(spec.Configuration, &cfg); err != nil {
		return configError(spec, err)
	}
	x.mu.RLock()
	fn, ok := x.handlers[cfg.Handler]
	x.mu.RUnlock()
	if !ok {
		return Outcome{
			Status: schema.StepStatusFailed,
			Err: schema.NewErrorf(schema.ErrCodeExecution,
				"handler %q is not registered", cfg.Handler).WithStep(spec.Code),
		}
	}

	out, err := fn(ctx, cfg.Params, inst.Data)
	if err != nil {
		return Outcome{
			Status: schema.StepStatusFailed,
			Err: schema.NewErrorf(schema.ErrCodeStepFailed,
				"handler %q failed: %s", cfg.Handler, err).WithStep(spec.Code).WithCause(err),
		}
	}
	if cfg.Async {
		// The handler only initiated the work; completion arrives through
		// the callback endpoint.
		return Outcome{Status: schema.StepStatusInProgress, Waiting: true, Data: out}
	}
	return Outcome{Status: schema.StepStatusCompleted, Data: out}
}

func (x *Executor) executeApproval(ctx context.Context, spec *schema.StepSpec, si *store.StepInstance) Outcome {
	cfg, err := parseApprovalConfig(spec)
	if err != nil {
		return Outcome{Status: schema.StepStatusFailed, Err: err}
	}
	if err := x.approvals.Request(ctx, si, cfg); err != nil {
		return Outcome{
			Status: schema.StepStatusFailed,
			Err: schema.NewErrorf(schema.ErrCodeExecution,
				"requesting approvals: %s", err).WithStep(spec.Code).WithCause(err),
		}
	}
	return Outcome{Status: schema.StepStatusInProgress, Waiting: true}
}

// executeNotification renders and sends the message. Delivery failures are
// logged and swallowed: a workflow never stalls on a notification.
func (x *Executor) executeNotification(ctx context.Context, inst *store.Instance, spec *schema.StepSpec) Outcome {
	var cfg schema.NotificationConfig
	if err := json.Unmarshal(spec.Configuration, &cfg); err != nil {
		return configError(spec, err)
	}

	msg := notify.Notification{
		Channel:    cfg.Channel,
		Recipients: cfg.Recipients,
		Subject:    cfg.Subject,
		Template:   cfg.Template,
	}
	if cfg.Template != "" {
		rendered, err := x.transformer.Render(ctx, cfg.Template, inst.Data)
		if err != nil {
			x.logger.WarnContext(ctx, "notification template failed",
				"step_code", spec.Code, "error", err)
		} else if m, ok := rendered.(map[string]any); ok {
			msg.Payload = m
		} else if rendered != nil {
			msg.Payload = map[string]any{"body": rendered}
		}
	}
	if err := x.notifier.Send(ctx, msg); err != nil {
		x.logger.WarnContext(ctx, "notification delivery failed",
			"step_code", spec.Code, "channel", cfg.Channel, "error", err)
	}
	return Outcome{Status: schema.StepStatusCompleted}
}

func (x *Executor) executeIntegration(ctx context.Context, inst *store.Instance, spec *schema.StepSpec) Outcome {
	var cfg schema.IntegrationConfig
	if err := json.Unmarshal(spec.Configuration, &cfg); err != nil {
		return configError(spec, err)
	}
	x.mu.RLock()
	adapter, ok := x.adapters[cfg.Adapter]
	x.mu.RUnlock()
	if !ok {
		return Outcome{
			Status: schema.StepStatusFailed,
			Err: schema.NewErrorf(schema.ErrCodeExecution,
				"adapter %q is not registered", cfg.Adapter).WithStep(spec.Code),
		}
	}

	var payload any = inst.Data
	if cfg.PayloadTemplate != "" {
		rendered, err := x.transformer.Render(ctx, cfg.PayloadTemplate, inst.Data)
		if err != nil {
			return Outcome{
				Status: schema.StepStatusFailed,
				Err: schema.NewErrorf(schema.ErrCodeExecution,
					"payload template failed: %s", err).WithStep(spec.Code).WithCause(err),
			}
		}
		payload = rendered
	}

	out, err := adapter.Invoke(ctx, cfg.Params, payload)
	if err != nil {
		return Outcome{
			Status: schema.StepStatusFailed,
			Err: schema.NewErrorf(schema.ErrCodeStepFailed,
				"adapter %q failed: %s", cfg.Adapter, err).WithStep(spec.Code).WithCause(err),
		}
	}
	if cfg.Async {
		return Outcome{Status: schema.StepStatusInProgress, Waiting: true, Data: out}
	}
	return Outcome{Status: schema.StepStatusCompleted, Data: out}
}

func configError(spec *schema.StepSpec, err error) Outcome {
	return Outcome{
		Status: schema.StepStatusFailed,
		Err: schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid %s configuration: %s", spec.Type, err).WithStep(spec.Code).WithCause(err),
	}
}
