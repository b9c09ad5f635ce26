package candidates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maxMutateRetries bounds optimistic-lock retries in Mutate.
const maxMutateRetries = 16

// ErrConflict is returned when a Mutate could not commit after repeated
// concurrent modifications of the same record.
var ErrConflict = errors.New("candidate record modified concurrently")

// Client provides instance-scoped Redis operations for the candidate store.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
	now          func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithClock replaces the wall clock used to stamp records and log entries.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new candidate store client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: kiln instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string, opts ...Option) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	c := &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// InstanceName returns the namespace this client writes under.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Now returns the client's current time in UTC.
func (c *Client) Now() time.Time {
	return c.now().UTC()
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Upsert overwrites the full record of a candidate together with its
// override flag, then publishes the record on the candidate events channel.
func (c *Client) Upsert(ctx context.Context, cand *Candidate) error {
	if err := cand.Validate(); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}

	payload, err := CandidateToJSON(cand)
	if err != nil {
		return fmt.Errorf("failed to serialize candidate: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, CandidatesKey(c.instanceName, cand.Kind), cand.ID, payload)
		pipe.HSet(ctx, OverridesKey(c.instanceName, cand.Kind), cand.ID, encodeFlag(cand.OverrideEnabled))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write candidate to Redis: %w", err)
	}

	c.publish(ctx, cand)
	return nil
}

// Get retrieves one candidate record with its override flag merged in.
// Returns redis.Nil when the record does not exist (check with IsNotFound)
// and a decode error when the stored payload is unreadable.
func (c *Client) Get(ctx context.Context, kind Kind, id string) (*Candidate, error) {
	cand, err := c.read(ctx, c.rdb, kind, id)
	if err != nil {
		return nil, err
	}

	flag, err := c.rdb.HGet(ctx, OverridesKey(c.instanceName, kind), id).Result()
	if err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("failed to read override flag: %w", err)
	}
	cand.OverrideEnabled = decodeFlag(flag)
	return cand, nil
}

// Exists reports whether a record is stored for (kind, id).
func (c *Client) Exists(ctx context.Context, kind Kind, id string) (bool, error) {
	ok, err := c.rdb.HExists(ctx, CandidatesKey(c.instanceName, kind), id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check candidate existence: %w", err)
	}
	return ok, nil
}

// List returns every record of a kind sorted by id. Records that cannot be
// decoded are returned as placeholders with StatusUnknown and the raw payload.
func (c *Client) List(ctx context.Context, kind Kind) ([]*Candidate, error) {
	records, err := c.rdb.HGetAll(ctx, CandidatesKey(c.instanceName, kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	flags, err := c.rdb.HGetAll(ctx, OverridesKey(c.instanceName, kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list override flags: %w", err)
	}

	out := make([]*Candidate, 0, len(records))
	for id, payload := range records {
		cand, err := JSONToCandidate(payload)
		if err != nil {
			cand = Placeholder(kind, id, payload)
		}
		cand.OverrideEnabled = decodeFlag(flags[id])
		out = append(out, cand)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MutateFunc receives the current record (nil when absent or undecodable)
// and returns the record to write. Returning an error aborts the write.
type MutateFunc func(current *Candidate) (*Candidate, error)

// Mutate performs an optimistic read-modify-write of one record and its
// override flag. Both keys are WATCHed; if either changes before the MULTI
// commits the read is repeated and fn is called again.
func (c *Client) Mutate(ctx context.Context, kind Kind, id string, fn MutateFunc) (*Candidate, error) {
	return c.mutate(ctx, kind, id, fn, nil)
}

// CommitPromotion runs fn like Mutate, then writes the promoted record with
// its override flag cleared and appends change to the change log, all in a
// single MULTI. Either everything commits or nothing does.
func (c *Client) CommitPromotion(ctx context.Context, kind Kind, id string, change *Event, fn MutateFunc) (*Candidate, error) {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.Timestamp == "" {
		change.Timestamp = FormatTime(c.Now())
	}
	payload, err := EventToJSON(change)
	if err != nil {
		return nil, err
	}
	changesKey := ChangesKey(c.instanceName)

	promote := func(current *Candidate) (*Candidate, error) {
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		next.OverrideEnabled = false
		return next, nil
	}
	return c.mutate(ctx, kind, id, promote, func(pipe redis.Pipeliner) {
		pipe.LPush(ctx, changesKey, payload)
		pipe.LTrim(ctx, changesKey, 0, MaxChanges-1)
	})
}

func (c *Client) mutate(ctx context.Context, kind Kind, id string, fn MutateFunc, extra func(redis.Pipeliner)) (*Candidate, error) {
	recKey := CandidatesKey(c.instanceName, kind)
	ovKey := OverridesKey(c.instanceName, kind)

	var result *Candidate
	txf := func(tx *redis.Tx) error {
		current, err := c.read(ctx, tx, kind, id)
		if err != nil {
			if !IsNotFound(err) && !isDecodeError(err) {
				return err
			}
			current = nil
		}
		if current != nil {
			flag, err := tx.HGet(ctx, ovKey, id).Result()
			if err != nil && !IsNotFound(err) {
				return fmt.Errorf("failed to read override flag: %w", err)
			}
			current.OverrideEnabled = decodeFlag(flag)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return fmt.Errorf("invalid candidate: %w", err)
		}
		payload, err := CandidateToJSON(next)
		if err != nil {
			return fmt.Errorf("failed to serialize candidate: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, recKey, id, payload)
			pipe.HSet(ctx, ovKey, id, encodeFlag(next.OverrideEnabled))
			if extra != nil {
				extra(pipe)
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < maxMutateRetries; attempt++ {
		err := c.rdb.Watch(ctx, txf, recKey, ovKey)
		if err == nil {
			c.publish(ctx, result)
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrConflict
}

// UpdateStatus sets the status of a record and, when result is non-nil,
// records it as the last test and derives promotion eligibility from it.
// A missing or undecodable record is replaced by a minimal one so that a
// smoke test result is never lost.
func (c *Client) UpdateStatus(ctx context.Context, kind Kind, id string, status Status, result *TestResult) (*Candidate, error) {
	return c.Mutate(ctx, kind, id, func(current *Candidate) (*Candidate, error) {
		now := c.Now()
		if current == nil {
			current = &Candidate{
				ID:        id,
				Kind:      kind,
				BaseID:    id,
				CreatedAt: now,
				Promotion: PendingPromotion(),
			}
		}
		current.Status = status
		current.UpdatedAt = now
		if result != nil {
			lt := *result
			current.LastTest = &lt
			current.Promotion = PromotionFor(lt)
		}
		return current, nil
	})
}

// SetOverride writes only the override flag of a candidate.
func (c *Client) SetOverride(ctx context.Context, kind Kind, id string, enabled bool) error {
	if err := c.rdb.HSet(ctx, OverridesKey(c.instanceName, kind), id, encodeFlag(enabled)).Err(); err != nil {
		return fmt.Errorf("failed to write override flag: %w", err)
	}
	return nil
}

// OverrideEnabled reports the override flag of a candidate. Absent flags are false.
func (c *Client) OverrideEnabled(ctx context.Context, kind Kind, id string) (bool, error) {
	flag, err := c.rdb.HGet(ctx, OverridesKey(c.instanceName, kind), id).Result()
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read override flag: %w", err)
	}
	return decodeFlag(flag), nil
}

// Overrides returns the ids of a kind whose override flag is enabled.
func (c *Client) Overrides(ctx context.Context, kind Kind) (map[string]bool, error) {
	flags, err := c.rdb.HGetAll(ctx, OverridesKey(c.instanceName, kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read override flags: %w", err)
	}
	out := make(map[string]bool, len(flags))
	for id, flag := range flags {
		if decodeFlag(flag) {
			out[id] = true
		}
	}
	return out, nil
}

// Enabled reports the global enable flag. An unset flag counts as enabled.
func (c *Client) Enabled(ctx context.Context) (bool, error) {
	v, err := c.rdb.Get(ctx, EnabledKey(c.instanceName)).Result()
	if IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read enable flag: %w", err)
	}
	return decodeFlag(v), nil
}

// SetEnabled writes the global enable flag.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) error {
	if err := c.rdb.Set(ctx, EnabledKey(c.instanceName), encodeFlag(enabled), 0).Err(); err != nil {
		return fmt.Errorf("failed to write enable flag: %w", err)
	}
	return nil
}

// Heartbeat records t as the daemon's latest liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context, t time.Time) error {
	if err := c.rdb.Set(ctx, HeartbeatKey(c.instanceName), FormatTime(t), 0).Err(); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// LastHeartbeat returns the latest heartbeat, or the zero time if none was written.
func (c *Client) LastHeartbeat(ctx context.Context) (time.Time, error) {
	v, err := c.rdb.Get(ctx, HeartbeatKey(c.instanceName)).Result()
	if IsNotFound(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read heartbeat: %w", err)
	}
	return ParseTime(v)
}

// hashReader is the subset of redis commands shared by *redis.Client and *redis.Tx.
type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func isDecodeError(err error) bool {
	var de *decodeError
	return errors.As(err, &de)
}

// IsDecodeError reports whether err came from an unreadable stored record.
func IsDecodeError(err error) bool {
	return isDecodeError(err)
}

func (c *Client) read(ctx context.Context, r hashReader, kind Kind, id string) (*Candidate, error) {
	payload, err := r.HGet(ctx, CandidatesKey(c.instanceName, kind), id).Result()
	if err != nil {
		return nil, err
	}
	cand, err := JSONToCandidate(payload)
	if err != nil {
		return nil, &decodeError{err: fmt.Errorf("candidate %s/%s: %w", kind, id, err)}
	}
	return cand, nil
}

func (c *Client) publish(ctx context.Context, cand *Candidate) {
	data, err := json.Marshal(cand)
	if err != nil {
		return
	}
	// Best effort: a subscriber outage must not fail the write.
	_ = c.rdb.Publish(ctx, CandidateEventsChannel(c.instanceName), data).Err()
}

// Subscription represents an active Pub/Sub subscription to candidate writes.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *Candidate
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of written candidate records.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *Candidate {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeCandidateEvents subscribes to every candidate record write for
// this instance. Delivery is at-most-once.
func (c *Client) SubscribeCandidateEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, CandidateEventsChannel(c.instanceName))

	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to candidate events: %w", err)
	}

	eventsChan := make(chan *Candidate, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var cand Candidate
				if err := json.Unmarshal([]byte(msg.Payload), &cand); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal candidate event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &cand:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
