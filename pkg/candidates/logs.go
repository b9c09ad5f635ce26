package candidates

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event types written to the bounded logs.
const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventTested   = "tested"
	EventPromoted = "promoted"
	EventOverride = "override"
	EventEnabled  = "enabled"
	EventError    = "error"
)

// NewEvent builds a log entry stamped with the client's clock and a fresh id.
func (c *Client) NewEvent(eventType string, kind Kind, candidateID, message string) *Event {
	return &Event{
		ID:          uuid.NewString(),
		Timestamp:   FormatTime(c.Now()),
		Type:        eventType,
		Kind:        kind,
		CandidateID: candidateID,
		Message:     message,
	}
}

// AppendEvent pushes e onto the lifecycle event log, evicting the oldest
// entries beyond MaxEvents.
func (c *Client) AppendEvent(ctx context.Context, e *Event) error {
	return c.appendBounded(ctx, EventsKey(c.instanceName), MaxEvents, e)
}

// AppendChange pushes e onto the promotion change log (MaxChanges entries).
func (c *Client) AppendChange(ctx context.Context, e *Event) error {
	return c.appendBounded(ctx, ChangesKey(c.instanceName), MaxChanges, e)
}

// AppendError pushes e onto the error log (MaxErrors entries).
func (c *Client) AppendError(ctx context.Context, e *Event) error {
	return c.appendBounded(ctx, ErrorsKey(c.instanceName), MaxErrors, e)
}

// Events returns up to limit lifecycle events, newest first. A limit <= 0
// returns the whole log.
func (c *Client) Events(ctx context.Context, limit int) ([]*Event, error) {
	return c.readBounded(ctx, EventsKey(c.instanceName), limit)
}

// Changes returns up to limit promotion changes, newest first.
func (c *Client) Changes(ctx context.Context, limit int) ([]*Event, error) {
	return c.readBounded(ctx, ChangesKey(c.instanceName), limit)
}

// Errors returns up to limit error entries, newest first.
func (c *Client) Errors(ctx context.Context, limit int) ([]*Event, error) {
	return c.readBounded(ctx, ErrorsKey(c.instanceName), limit)
}

func (c *Client) appendBounded(ctx context.Context, key string, capacity int, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = FormatTime(c.Now())
	}
	payload, err := EventToJSON(e)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, int64(capacity-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}

func (c *Client) readBounded(ctx context.Context, key string, limit int) ([]*Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	payloads, err := c.rdb.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	out := make([]*Event, 0, len(payloads))
	for _, p := range payloads {
		e, err := JSONToEvent(p)
		if err != nil {
			// Skip corrupt entries rather than failing the whole read.
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
