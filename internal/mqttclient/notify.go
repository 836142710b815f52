package mqttclient

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/courtscribe/internal/stepstate"
)

// Publisher sends one message.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// StatusEvent is the body of an operation status message.
type StatusEvent struct {
	OperationID   string           `json:"operation_id"`
	Status        stepstate.Status `json:"status"`
	Step          string           `json:"step,omitempty"`
	StepStatus    stepstate.Status `json:"step_status,omitempty"`
	Progress      int              `json:"progress"`
	ResultLocator string           `json:"result_locator,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StatusNotifier publishes every operation change as a retained message on
// <topic>/<operation id>, so late subscribers see the latest state.
type StatusNotifier struct {
	pub   Publisher
	topic string
	log   zerolog.Logger
}

func NewStatusNotifier(pub Publisher, topic string, log zerolog.Logger) *StatusNotifier {
	return &StatusNotifier{
		pub:   pub,
		topic: strings.TrimSuffix(topic, "/"),
		log:   log.With().Str("component", "mqtt-notify").Logger(),
	}
}

// OperationChanged never fails the caller; publish errors are logged.
func (n *StatusNotifier) OperationChanged(_ context.Context, op stepstate.Operation) {
	data, err := json.Marshal(StatusEvent{
		OperationID:   op.ID,
		Status:        op.Status,
		Step:          op.Step,
		StepStatus:    op.StepStatus,
		Progress:      op.Progress,
		ResultLocator: op.ResultLocator,
		UpdatedAt:     op.UpdatedAt,
	})
	if err != nil {
		return
	}
	topic := n.topic + "/" + op.ID
	if err := n.pub.Publish(topic, data, true); err != nil {
		n.log.Warn().Err(err).Str("topic", topic).Msg("status publish failed")
	}
}

// Starter submits an operation.
type Starter interface {
	Start(ctx context.Context, operationID string) (string, error)
}

// StartHandler turns messages on the start topic into Start calls. The
// payload is {"operation_id": "..."} or the bare id.
func StartHandler(s Starter, log zerolog.Logger) MessageHandler {
	log = log.With().Str("component", "mqtt-start").Logger()
	return func(topic string, payload []byte) {
		id := parseStartRequest(payload)
		if id == "" {
			log.Warn().Str("topic", topic).Msg("start request without operation id")
			return
		}
		handle, err := s.Start(context.Background(), id)
		if err != nil {
			log.Warn().Err(err).Str("operation_id", id).Msg("start request rejected")
			return
		}
		log.Info().Str("operation_id", id).Str("task_id", handle).Msg("start request accepted")
	}
}

func parseStartRequest(payload []byte) string {
	var req struct {
		OperationID string `json:"operation_id"`
	}
	if err := json.Unmarshal(payload, &req); err == nil {
		return strings.TrimSpace(req.OperationID)
	}
	return strings.TrimSpace(string(payload))
}
