package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/inlinechat/internal/logging"
)

// EventsTopic is the watermill topic the CLI forwards bus events on.
const EventsTopic = "inlinechat.events"

// loggedEvent is one line of an event log.
type loggedEvent struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventLog writes forwarded bus events to a writer in JSONL format.
type EventLog struct {
	out  io.Writer
	done chan struct{}
	log  zerolog.Logger
}

// StartEventLog subscribes to topic and writes every message until the
// subscription closes.
func StartEventLog(ctx context.Context, sub message.Subscriber, topic string, out io.Writer) (*EventLog, error) {
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	l := &EventLog{out: out, done: make(chan struct{}), log: logging.Component("events")}
	go l.run(messages)
	return l, nil
}

func (l *EventLog) run(messages <-chan *message.Message) {
	defer close(l.done)
	for msg := range messages {
		l.write(msg)
		msg.Ack()
	}
}

func (l *EventLog) write(msg *message.Message) {
	var payload struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		l.log.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping malformed event")
		return
	}
	if string(payload.Data) == "null" {
		payload.Data = nil
	}
	line, err := json.Marshal(loggedEvent{
		Type:      msg.Metadata.Get("type"),
		Timestamp: time.Now(),
		Data:      payload.Data,
	})
	if err != nil {
		return
	}
	fmt.Fprintln(l.out, string(line))
}

// Wait blocks until the subscription is closed and every received event
// has been written.
func (l *EventLog) Wait() {
	<-l.done
}
