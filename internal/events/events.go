// Package events defines the market lifecycle events fanned out over the
// signal bus. Events travel as protobuf-encoded google.protobuf.Struct values
// so any protobuf runtime can decode them without generated code.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/predictify/internal/domain"
)

const (
	// Channel is the pub/sub channel live subscribers listen on.
	Channel = "markets"
	// Stream is the durable stream that keeps recent events for replay.
	Stream = "market_events"
)

// Type names a lifecycle event.
type Type string

const (
	MarketCreated     Type = "market_created"
	MarketInitialized Type = "market_initialized"
	MarketSynced      Type = "market_synced"
	MarketResolved    Type = "market_resolved"
	VotePlaced        Type = "vote_placed"
	RewardClaimed     Type = "reward_claimed"
)

// Event is one lifecycle notification. Data values must be strings, numbers,
// booleans, nil, or nested maps and slices of those.
type Event struct {
	Type     Type
	MarketID string
	At       time.Time
	Data     map[string]any
}

// Encode serializes e as a protobuf Struct.
func Encode(e Event) ([]byte, error) {
	fields := map[string]any{
		"type":      string(e.Type),
		"market_id": e.MarketID,
		"at":        e.At.UTC().Format(time.RFC3339Nano),
	}
	if len(e.Data) > 0 {
		fields["data"] = e.Data
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("events: build struct: %w", err)
	}
	b, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("events: marshal: %w", err)
	}
	return b, nil
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (Event, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return Event{}, fmt.Errorf("events: unmarshal: %w", err)
	}
	m := st.AsMap()

	typ, _ := m["type"].(string)
	if typ == "" {
		return Event{}, errors.New("events: missing type")
	}
	e := Event{Type: Type(typ)}
	e.MarketID, _ = m["market_id"].(string)
	if at, ok := m["at"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return Event{}, fmt.Errorf("events: parse time: %w", err)
		}
		e.At = t
	}
	e.Data, _ = m["data"].(map[string]any)
	return e, nil
}

// Publisher fans events out to the pub/sub channel and the durable stream.
// Delivery is best effort: failures are logged, never returned.
type Publisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher returns a Publisher. A nil bus makes Publish a no-op.
func NewPublisher(bus domain.SignalBus, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:    bus,
		logger: logger.With(slog.String("component", "events")),
		now:    time.Now,
	}
}

// Publish stamps e with the current time when unset and delivers it.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil || p.bus == nil {
		return
	}
	if e.At.IsZero() {
		e.At = p.now()
	}
	b, err := Encode(e)
	if err != nil {
		p.logger.WarnContext(ctx, "events: encode failed",
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := p.bus.Publish(ctx, Channel, b); err != nil {
		p.logger.WarnContext(ctx, "events: publish failed",
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()),
		)
	}
	if err := p.bus.StreamAppend(ctx, Stream, b); err != nil {
		p.logger.WarnContext(ctx, "events: stream append failed",
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()),
		)
	}
}
