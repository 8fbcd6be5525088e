package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/mediaflow/sink"
	"github.com/drblury/mediaflow/sink/sinktest"
)

func TestRegistered(t *testing.T) {
	assert.Equal(t, sink.ChannelCapabilities, sink.GetCapabilities(SinkName))
}

func TestBuild_DeliversToSubscriber(t *testing.T) {
	pub, err := Build(context.Background(), &sinktest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer pub.Close()

	sub, ok := pub.(message.Subscriber)
	require.True(t, ok, "gochannel publisher doubles as subscriber")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := sub.Subscribe(ctx, "observer")
	require.NoError(t, err)

	require.NoError(t, pub.Publish("observer", message.NewMessage("m1", []byte("payload"))))

	select {
	case msg := <-msgs:
		assert.Equal(t, "m1", msg.UUID)
		assert.Equal(t, "payload", string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
