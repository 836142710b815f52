package mqttclient

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/courtscribe/internal/stepstate"
)

func TestParseTopics(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"courtscribe/start", []string{"courtscribe/start"}},
		{" a/b , c/# ,, ", []string{"a/b", "c/#"}},
	}
	for _, tt := range tests {
		if got := parseTopics(tt.raw); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseTopics(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	sent []message
	err  error
}

func (f *fakePublisher) Publish(topic string, payload []byte, retained bool) error {
	f.sent = append(f.sent, message{topic, payload, retained})
	return f.err
}

func TestStatusNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewStatusNotifier(pub, "courtscribe/operations/", zerolog.Nop())
	n.OperationChanged(context.Background(), stepstate.Operation{
		ID: "op1", Status: stepstate.StatusRunning, Step: "TRANSCRIPTION",
		StepStatus: stepstate.StatusRetrying, Progress: 70, UpdatedAt: time.Unix(0, 0).UTC(),
	})

	if len(pub.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(pub.sent))
	}
	m := pub.sent[0]
	if m.topic != "courtscribe/operations/op1" || !m.retained {
		t.Errorf("topic = %q retained = %v", m.topic, m.retained)
	}
	var ev StatusEvent
	if err := json.Unmarshal(m.payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.StepStatus != stepstate.StatusRetrying || ev.Progress != 70 {
		t.Errorf("event = %+v", ev)
	}

	// publish failures stay inside the notifier
	pub.err = errors.New("not connected")
	n.OperationChanged(context.Background(), stepstate.Operation{ID: "op2"})
}

type fakeStarter struct {
	ids []string
	err error
}

func (f *fakeStarter) Start(_ context.Context, id string) (string, error) {
	f.ids = append(f.ids, id)
	return "task", f.err
}

func TestStartHandler(t *testing.T) {
	s := &fakeStarter{}
	h := StartHandler(s, zerolog.Nop())

	h("courtscribe/start", []byte(`{"operation_id":"op1"}`))
	h("courtscribe/start", []byte(" op2\n"))
	h("courtscribe/start", []byte(`{"operation_id":""}`))

	if want := []string{"op1", "op2"}; !reflect.DeepEqual(s.ids, want) {
		t.Errorf("started = %v, want %v", s.ids, want)
	}
}
