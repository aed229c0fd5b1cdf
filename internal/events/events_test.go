package events

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/george-ai/taskqueue/internal/domain"
)

func TestNewQueueEvent(t *testing.T) {
	t.Run("with_payload", func(t *testing.T) {
		event, err := NewQueueEvent(EventTaskCreated, domain.QueueTypeContentProcessing, map[string]any{
			"file_id": "abc",
		})
		require.NoError(t, err)

		assert.NotEqual(t, event.ID.String(), "00000000-0000-0000-0000-000000000000")
		assert.Equal(t, EventTaskCreated, event.Type)
		assert.Equal(t, domain.QueueTypeContentProcessing, event.QueueType)
		assert.False(t, event.CreatedAt.IsZero())

		var payload map[string]string
		require.NoError(t, event.UnmarshalPayload(&payload))
		assert.Equal(t, "abc", payload["file_id"])
	})

	t.Run("nil_payload", func(t *testing.T) {
		event, err := NewQueueEvent(EventQueueStarted, domain.QueueTypeEnrichment, nil)
		require.NoError(t, err)
		assert.Empty(t, event.Payload)
	})

	t.Run("unmarshalable_payload", func(t *testing.T) {
		_, err := NewQueueEvent(EventTaskCreated, domain.QueueTypeAutomation, make(chan int))
		assert.Error(t, err)
	})
}

type recordingHandler struct {
	events []*QueueEvent
	err    error
}

func (h *recordingHandler) HandleEvent(_ context.Context, event *QueueEvent) error {
	h.events = append(h.events, event)
	return h.err
}

func TestInMemoryEventEmitter(t *testing.T) {
	logger := slog.Default()

	t.Run("no_handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		event, err := NewQueueEvent(EventQueueStarted, domain.QueueTypeAutomation, nil)
		require.NoError(t, err)
		assert.NoError(t, emitter.EmitEvent(context.Background(), event))
	})

	t.Run("all_handlers_receive_event", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		first := &recordingHandler{}
		second := &recordingHandler{}
		emitter.RegisterHandler(first)
		emitter.RegisterHandler(second)

		event, err := NewQueueEvent(EventTasksRetried, domain.QueueTypeEnrichment, nil)
		require.NoError(t, err)
		require.NoError(t, emitter.EmitEvent(context.Background(), event))

		require.Len(t, first.events, 1)
		require.Len(t, second.events, 1)
		assert.Equal(t, event.ID, first.events[0].ID)
	})

	t.Run("failure_does_not_skip_later_handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		failing := &recordingHandler{err: errors.New("handler broke")}
		healthy := &recordingHandler{}
		emitter.RegisterHandler(failing)
		emitter.RegisterHandler(healthy)

		event, err := NewQueueEvent(EventQueueStopped, domain.QueueTypeContentProcessing, nil)
		require.NoError(t, err)

		emitErr := emitter.EmitEvent(context.Background(), event)
		assert.EqualError(t, emitErr, "handler broke")
		assert.Len(t, healthy.events, 1)
	})
}
