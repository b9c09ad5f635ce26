package candidates

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance", WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func newDraft(id string) *Candidate {
	return &Candidate{
		ID:        id,
		Kind:      KindPlugin,
		Path:      "candidates/plugins/" + id + ".go",
		BaseID:    id,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
		Status:    StatusDraft,
		Promotion: PendingPromotion(),
	}
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.InstanceName())
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestUpsertAndGet(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	cand := newDraft("weather")
	cand.OverrideEnabled = true
	require.NoError(t, client.Upsert(ctx, cand))

	got, err := client.Get(ctx, KindPlugin, "weather")
	require.NoError(t, err)
	assert.Equal(t, "weather", got.ID)
	assert.Equal(t, StatusDraft, got.Status)
	assert.Equal(t, fixedNow, got.CreatedAt)
	assert.True(t, got.OverrideEnabled)
	assert.Equal(t, PendingPromotion(), got.Promotion)
	assert.Nil(t, got.LastTest)

	flag := mr.HGet(OverridesKey("test-instance", KindPlugin), "weather")
	assert.Equal(t, "1", flag)

	raw := mr.HGet(CandidatesKey("test-instance", KindPlugin), "weather")
	assert.NotContains(t, raw, "override_enabled")
}

func TestUpsertRejectsInvalid(t *testing.T) {
	client, _ := setupTestClient(t)

	cand := newDraft("bad id")
	err := client.Upsert(context.Background(), cand)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid candidate")
}

func TestGetNotFound(t *testing.T) {
	client, _ := setupTestClient(t)

	_, err := client.Get(context.Background(), KindPlugin, "nope")
	assert.True(t, IsNotFound(err))
}

func TestExists(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.Upsert(ctx, newDraft("weather_digest")))

	ok, err := client.Exists(ctx, KindPlugin, "weather_digest")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Exists(ctx, KindPlugin, "weather")
	require.NoError(t, err)
	assert.False(t, ok, "a prefix of a stored id does not exist")

	ok, err = client.Exists(ctx, KindPlatform, "weather_digest")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKindsAreIndependent(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Upsert(ctx, newDraft("echo")))

	_, err := client.Get(ctx, KindPlatform, "echo")
	assert.True(t, IsNotFound(err))

	list, err := client.List(ctx, KindPlatform)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListSortedWithPlaceholders(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Upsert(ctx, newDraft("zeta")))
	require.NoError(t, client.Upsert(ctx, newDraft("alpha")))
	mr.HSet(CandidatesKey("test-instance", KindPlugin), "mangled", "{not json")

	list, err := client.List(ctx, KindPlugin)
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "mangled", list[1].ID)
	assert.Equal(t, "zeta", list[2].ID)

	assert.True(t, list[1].IsPlaceholder())
	assert.Equal(t, StatusUnknown, list[1].Status)
	assert.Equal(t, "{not json", list[1].Raw)
}

func TestGetUndecodable(t *testing.T) {
	client, mr := setupTestClient(t)
	mr.HSet(CandidatesKey("test-instance", KindPlugin), "mangled", "{not json")

	_, err := client.Get(context.Background(), KindPlugin, "mangled")
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
	assert.False(t, IsNotFound(err))
}

func TestUpdateStatus(t *testing.T) {
	t.Run("records passing test", func(t *testing.T) {
		client, _ := setupTestClient(t)
		ctx := context.Background()
		require.NoError(t, client.Upsert(ctx, newDraft("weather")))

		got, err := client.UpdateStatus(ctx, KindPlugin, "weather", StatusTested,
			&TestResult{OK: true, Details: "ok", Timestamp: fixedNow})
		require.NoError(t, err)

		assert.Equal(t, StatusTested, got.Status)
		require.NotNil(t, got.LastTest)
		assert.True(t, got.LastTest.OK)
		assert.Equal(t, Promotion{Eligible: true, Reason: ReasonSmokeTestPassed}, got.Promotion)
		assert.Equal(t, "candidates/plugins/weather.go", got.Path)
	})

	t.Run("records failing test", func(t *testing.T) {
		client, _ := setupTestClient(t)
		ctx := context.Background()
		require.NoError(t, client.Upsert(ctx, newDraft("weather")))

		got, err := client.UpdateStatus(ctx, KindPlugin, "weather", StatusFailed,
			&TestResult{OK: false, Details: "boom", Timestamp: fixedNow})
		require.NoError(t, err)
		assert.Equal(t, Promotion{Eligible: false, Reason: ReasonSmokeTestFailed}, got.Promotion)
	})

	t.Run("synthesizes missing record", func(t *testing.T) {
		client, _ := setupTestClient(t)
		ctx := context.Background()

		got, err := client.UpdateStatus(ctx, KindPlatform, "echo", StatusTested,
			&TestResult{OK: true, Details: "ok", Timestamp: fixedNow})
		require.NoError(t, err)
		assert.Equal(t, "echo", got.ID)
		assert.Equal(t, KindPlatform, got.Kind)
		assert.Equal(t, fixedNow, got.CreatedAt)

		stored, err := client.Get(ctx, KindPlatform, "echo")
		require.NoError(t, err)
		assert.Equal(t, StatusTested, stored.Status)
	})

	t.Run("preserves override flag", func(t *testing.T) {
		client, _ := setupTestClient(t)
		ctx := context.Background()
		require.NoError(t, client.Upsert(ctx, newDraft("weather")))
		require.NoError(t, client.SetOverride(ctx, KindPlugin, "weather", true))

		got, err := client.UpdateStatus(ctx, KindPlugin, "weather", StatusFailed,
			&TestResult{OK: false, Details: "boom", Timestamp: fixedNow})
		require.NoError(t, err)
		assert.True(t, got.OverrideEnabled)

		enabled, err := client.OverrideEnabled(ctx, KindPlugin, "weather")
		require.NoError(t, err)
		assert.True(t, enabled)
	})
}

func TestMutateConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	seed := newDraft("weather")
	seed.LastTest = &TestResult{Timestamp: fixedNow}
	require.NoError(t, client.Upsert(ctx, seed))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Mutate(ctx, KindPlugin, "weather", func(cur *Candidate) (*Candidate, error) {
				cur.LastTest.Details += "x"
				return cur, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := client.Get(ctx, KindPlugin, "weather")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", writers), got.LastTest.Details)
}

func TestMutateAbort(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.Upsert(ctx, newDraft("weather")))

	_, err := client.Mutate(ctx, KindPlugin, "weather", func(cur *Candidate) (*Candidate, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := client.Get(ctx, KindPlugin, "weather")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, got.Status)
}

func TestOverrides(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	enabled, err := client.OverrideEnabled(ctx, KindPlugin, "weather")
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, client.SetOverride(ctx, KindPlugin, "weather", true))
	require.NoError(t, client.SetOverride(ctx, KindPlugin, "dice", false))
	require.NoError(t, client.SetOverride(ctx, KindPlatform, "echo", true))

	overrides, err := client.Overrides(ctx, KindPlugin)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"weather": true}, overrides)
}

func TestEnabledFlag(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	enabled, err := client.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled, "unset flag counts as enabled")

	require.NoError(t, client.SetEnabled(ctx, false))
	enabled, err = client.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestHeartbeat(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	last, err := client.LastHeartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	require.NoError(t, client.Heartbeat(ctx, fixedNow))
	last, err = client.LastHeartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, fixedNow, last)
}

func TestInstanceIsolation(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()

	client1, err := NewClient(&redis.Options{Addr: mr.Addr()}, "instance-1")
	require.NoError(t, err)
	defer client1.Close()
	client2, err := NewClient(&redis.Options{Addr: mr.Addr()}, "instance-2")
	require.NoError(t, err)
	defer client2.Close()

	ctx := context.Background()
	require.NoError(t, client1.Upsert(ctx, newDraft("weather")))

	_, err = client2.Get(ctx, KindPlugin, "weather")
	assert.True(t, IsNotFound(err))
}

func TestSubscribeCandidateEvents(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := client.SubscribeCandidateEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Upsert(ctx, newDraft("weather")))

	select {
	case cand := <-sub.Events():
		require.NotNil(t, cand)
		assert.Equal(t, "weather", cand.ID)
		assert.Equal(t, StatusDraft, cand.Status)
	case <-ctx.Done():
		t.Fatal("timed out waiting for candidate event")
	}

	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}

func TestCommitPromotion(t *testing.T) {
	t.Run("writes record clears override and logs change", func(t *testing.T) {
		client, _ := setupTestClient(t)
		ctx := context.Background()
		seed := newDraft("weather")
		seed.OverrideEnabled = true
		require.NoError(t, client.Upsert(ctx, seed))

		change := client.NewEvent(EventPromoted, KindPlugin, "weather", "promoted")
		got, err := client.CommitPromotion(ctx, KindPlugin, "weather", change, func(cur *Candidate) (*Candidate, error) {
			cur.Status = StatusPromoted
			cur.Promotion = Promotion{Eligible: true, Reason: ReasonManualPromote}
			return cur, nil
		})
		require.NoError(t, err)
		assert.False(t, got.OverrideEnabled)

		stored, err := client.Get(ctx, KindPlugin, "weather")
		require.NoError(t, err)
		assert.Equal(t, StatusPromoted, stored.Status)
		assert.False(t, stored.OverrideEnabled)

		changes, err := client.Changes(ctx, 0)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, "weather", changes[0].CandidateID)
	})

	t.Run("aborted promotion writes nothing", func(t *testing.T) {
		client, _ := setupTestClient(t)
		ctx := context.Background()
		seed := newDraft("weather")
		seed.OverrideEnabled = true
		require.NoError(t, client.Upsert(ctx, seed))

		change := client.NewEvent(EventPromoted, KindPlugin, "weather", "promoted")
		_, err := client.CommitPromotion(ctx, KindPlugin, "weather", change, func(cur *Candidate) (*Candidate, error) {
			return nil, assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		stored, err := client.Get(ctx, KindPlugin, "weather")
		require.NoError(t, err)
		assert.Equal(t, StatusDraft, stored.Status)
		assert.True(t, stored.OverrideEnabled)

		changes, err := client.Changes(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, changes)
	})
}
