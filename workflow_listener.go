package cttso_pieriandx_gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	nm "github.com/mskcc/nats-messaging-go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// WorkflowEvent is the part of a workflow-run state change we read.
type WorkflowEvent struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Status RunStatus `json:"status"`
}

// WorkflowEventListener runs a reconciliation pass whenever a ctTSO workflow
// run succeeds. Events arriving while a pass is running coalesce into one
// follow-up pass.
type WorkflowEventListener struct {
	natsMessaging *nm.Messaging
	runner        PassRunner
	filter        string
	trigger       chan string
}

func NewWorkflowEventListener(url, certPath, keyPath, consumer, password, filter string, runner PassRunner) (*WorkflowEventListener, error) {
	natsMessaging, err := nm.NewSecureMessaging(url, certPath, keyPath, consumer, password)
	if err != nil {
		return nil, fmt.Errorf("Failed to create a nats messaging client: %q", err)
	}
	return newWorkflowEventListener(natsMessaging, filter, runner), nil
}

func newWorkflowEventListener(natsMessaging *nm.Messaging, filter string, runner PassRunner) *WorkflowEventListener {
	return &WorkflowEventListener{natsMessaging: natsMessaging, runner: runner, filter: filter, trigger: make(chan string, 1)}
}

// Run subscribes and blocks until ctx is cancelled.
func (l *WorkflowEventListener) Run(ctx context.Context, consumer, subject string) error {
	err := l.natsMessaging.Subscribe(consumer, subject, func(m *nm.Msg) {
		l.handle(ctx, m.Subject, m.Data)
		if err := m.ProviderMsg.Ack(); err != nil {
			log.Warn().Err(err).Str("subject", m.Subject).Msg("Could not ack message")
		}
	})
	if err != nil {
		return fmt.Errorf("Failed to subscribe to %s: %w", subject, err)
	}
	log.Info().Str("subject", subject).Str("filter", l.filter).Msg("Listening for workflow events")

	l.loop(ctx)
	l.natsMessaging.Shutdown()
	return nil
}

func (l *WorkflowEventListener) loop(ctx context.Context) {
	for {
		select {
		case runID := <-l.trigger:
			passCtx, span := tracer().Start(ctx, "event-pass")
			span.SetAttributes(attribute.String("workflow_run_id", runID))
			report, err := l.runner.Run(passCtx, false)
			if handleError(err, "Event-triggered pass could not start", span) {
				log.Error().Err(err).Str("workflow_run_id", runID).Msg("Event-triggered pass could not start")
				continue
			}
			span.End()
			log.Info().Str("workflow_run_id", runID).Str("pass_id", report.PassID).Int("submitted", len(report.Successes)).Int("failed", len(report.Failures)).Msg("Event-triggered pass finished")
		case <-ctx.Done():
			log.Info().Msg("Context canceled, stopping workflow listener")
			return
		}
	}
}

// handle queues a pass for a relevant event. It reports whether one was
// queued; irrelevant or malformed messages are dropped.
func (l *WorkflowEventListener) handle(ctx context.Context, subject string, data []byte) bool {
	if l.filter != "" && subject != l.filter {
		return false
	}
	ev, err := decodeWorkflowEvent(data)
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Dropping malformed workflow event")
		return false
	}
	if ev.Status != RunSucceeded || !isCtTSOWorkflow(ev.Name) {
		log.Debug().Str("workflow_run_id", ev.ID).Str("status", string(ev.Status)).Msg("Ignoring workflow event")
		return false
	}
	select {
	case l.trigger <- ev.ID:
		log.Info().Str("workflow_run_id", ev.ID).Msg("Queued reconciliation pass")
	case <-ctx.Done():
		return false
	default:
		log.Debug().Str("workflow_run_id", ev.ID).Msg("Pass already queued")
	}
	return true
}

// decodeWorkflowEvent accepts the payload either as JSON or as a quoted
// JSON string.
func decodeWorkflowEvent(data []byte) (WorkflowEvent, error) {
	var ev WorkflowEvent
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return ev, err
		}
		raw = unquoted
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, err
	}
	if ev.ID == "" {
		return ev, fmt.Errorf("workflow event has no run id")
	}
	ev.Status = normalizeRunStatus(string(ev.Status))
	return ev, nil
}

func isCtTSOWorkflow(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "tso_ctdna") || strings.Contains(name, "cttso")
}
