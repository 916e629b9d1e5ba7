// Package pulse exposes a hooks.Subscriber that publishes session lifecycle
// events to goa.design/pulse streams. Services build a Redis client, pass it
// to the Pulse client, and register the resulting sink on the engine's event
// bus; external consumers then follow a session by reading its stream.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "github.com/tessera-ai/tessera/features/stream/pulse/clients/pulse"
	"github.com/tessera-ai/tessera/runtime/hooks"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target stream name from an event.
		// Defaults to "session/<SessionID>".
		StreamID func(hooks.Event) (string, error)
	}

	// Sink publishes engine events into Pulse streams. Safe for
	// concurrent use.
	Sink struct {
		client   clientspulse.Client
		streamID func(hooks.Event) (string, error)
	}

	// envelope wraps events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind, e.g. "task_completed".
		Type string `json:"type"`
		// SessionID links the event to its session.
		SessionID string `json:"session_id"`
		// Timestamp is the event creation time in Unix milliseconds.
		Timestamp int64 `json:"timestamp"`
		// Payload carries the event's own fields.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// HandleEvent publishes the event to its session stream. It implements
// hooks.Subscriber so the sink registers directly on the engine bus.
func (s *Sink) HandleEvent(ctx context.Context, event hooks.Event) error {
	name, err := s.streamID(event)
	if err != nil {
		return err
	}
	stream, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type()),
		SessionID: event.SessionID(),
		Timestamp: event.Timestamp(),
		Payload:   event,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event envelope: %w", err)
	}
	if _, err := stream.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the stream name from the event's session.
func defaultStreamID(event hooks.Event) (string, error) {
	if event.SessionID() == "" {
		return "", errors.New("event missing session id")
	}
	return fmt.Sprintf("session/%s", event.SessionID()), nil
}

var _ hooks.Subscriber = (*Sink)(nil)
