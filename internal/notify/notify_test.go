package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-relay/internal/store"
)

func setupNotifyTest(t *testing.T) store.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	st, err := store.Open(store.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	st := setupNotifyTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(st, "", nil)
	events, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	pub := NewPublisher(st, "")
	sent := Event{
		Type:      SendChannel,
		JobID:     "job-1",
		ChannelID: "chan-1",
		Content:   "the answer",
	}
	require.NoError(t, pub.Publish(ctx, sent))

	select {
	case got := <-events:
		assert.Equal(t, sent, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberSkipsUndecodablePayloads(t *testing.T) {
	st := setupNotifyTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(st, "discord", nil)
	events, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, st.Publish(ctx, "discord", "{not json"))
	require.NoError(t, st.Publish(ctx, "discord", `{"type":"send:user","userId":"u1"}`))

	select {
	case got := <-events:
		assert.Equal(t, SendUser, got.Type)
		assert.Equal(t, "u1", got.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublisherDefaultsChannel(t *testing.T) {
	st := setupNotifyTest(t)

	pub := NewPublisher(st, "")
	assert.Equal(t, DefaultChannel, pub.channel)

	pub = NewPublisher(st, "custom")
	assert.Equal(t, "custom", pub.channel)
}
