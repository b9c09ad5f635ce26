package candidates

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendEventNewestFirst(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.AppendEvent(ctx, client.NewEvent(EventCreated, KindPlugin, "weather", "first")))
	require.NoError(t, client.AppendEvent(ctx, client.NewEvent(EventTested, KindPlugin, "weather", "second")))

	events, err := client.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "second", events[0].Message)
	assert.Equal(t, "first", events[1].Message)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, FormatTime(fixedNow), events[0].Timestamp)
}

func TestBoundedLogsEvictOldest(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	for i := 0; i < MaxChanges+5; i++ {
		require.NoError(t, client.AppendChange(ctx, &Event{Type: EventPromoted, Message: fmt.Sprintf("change-%d", i)}))
	}

	changes, err := client.Changes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, MaxChanges)
	assert.Equal(t, fmt.Sprintf("change-%d", MaxChanges+4), changes[0].Message)
	assert.Equal(t, "change-5", changes[MaxChanges-1].Message)

	list, err := mr.List(ChangesKey("test-instance"))
	require.NoError(t, err)
	assert.Len(t, list, MaxChanges)
}

func TestErrorsLimit(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, client.AppendError(ctx, &Event{Type: EventError, Message: fmt.Sprintf("e%d", i)}))
	}

	errs, err := client.Errors(ctx, 2)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "e2", errs[0].Message)
}

func TestEventsSkipCorruptEntries(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.AppendEvent(ctx, &Event{Type: EventCreated, Message: "good"}))
	_, err := mr.Lpush(EventsKey("test-instance"), "not json")
	require.NoError(t, err)

	events, err := client.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "good", events[0].Message)
}
