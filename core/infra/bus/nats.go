package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/skylens/skylens/core/infra/logging"
)

// Subjects carrying task traffic. Submissions fan out per kind so worker
// pools can subscribe selectively; state events fan out per task uid.
const (
	submitSubjectPrefix = "task.submit."
	stateSubjectPrefix  = "task.state."

	// SubjectAllSubmissions matches every submission kind.
	SubjectAllSubmissions = "task.submit.>"
	// SubjectAllStateEvents matches every task state transition.
	SubjectAllStateEvents = "task.state.>"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// Task is the wire envelope handed to the execution backend.
type Task struct {
	UID         string    `json:"uid"`
	Kind        string    `json:"kind"`
	Start       string    `json:"start"`
	Stop        string    `json:"stop"`
	Geometries  []string  `json:"geometries"`
	Threshold   *float64  `json:"threshold,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// StateEvent announces a task state transition on the bus.
type StateEvent struct {
	UID   string    `json:"uid"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// SubmitSubject returns the submission subject for a task kind.
func SubmitSubject(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return ""
	}
	return submitSubjectPrefix + kind
}

// StateSubject returns the state-event subject for a task uid.
func StateSubject(uid string) string {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return ""
	}
	return stateSubjectPrefix + uid
}

// NatsBus is a thin wrapper over a NATS connection that speaks JSON envelopes.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("skylens-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// PublishTask sends a task envelope on the given subject.
func (b *NatsBus) PublishTask(subject string, task *Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	return b.publish(subject, task)
}

// PublishStateEvent announces a state transition for a task.
func (b *NatsBus) PublishStateEvent(ev *StateEvent) error {
	if ev == nil {
		return errors.New("nil state event")
	}
	return b.publish(StateSubject(ev.UID), ev)
}

func (b *NatsBus) publish(subject string, v any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return b.nc.Publish(subject, data)
}

// SubscribeTasks consumes task envelopes, optionally in a queue group so a
// worker pool shares the load.
func (b *NatsBus) SubscribeTasks(subject, queue string, handler func(*Task) error) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	return b.subscribe(subject, queue, func(data []byte) error {
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
		return handler(&task)
	})
}

// SubscribeStateEvents consumes task state transitions.
func (b *NatsBus) SubscribeStateEvents(handler func(*StateEvent) error) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	return b.subscribe(SubjectAllStateEvents, "", func(data []byte) error {
		var ev StateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode state event: %w", err)
		}
		return handler(&ev)
	})
}

func (b *NatsBus) subscribe(subject, queue string, handler func([]byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	cb := func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			logging.Error("bus", "handler error", "subject", subject, "error", err)
		}
	}
	var err error
	if queue == "" {
		_, err = b.nc.Subscribe(subject, cb)
	} else {
		_, err = b.nc.QueueSubscribe(subject, queue, cb)
	}
	return err
}

// IsConnected reports whether the bus currently holds a live connection.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Status returns the connection status string for health snapshots.
func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

// ConnectedURL returns the URL of the connected server, if any.
func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}
