package eventbus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/benediktbwimmer/apphub-sub012/eventbus"
)

func TestInlineDispatch(t *testing.T) {
	bus := eventbus.NewInline(zaptest.NewLogger(t))

	var got []eventbus.Event
	cancel := bus.Subscribe(func(ctx context.Context, event eventbus.Event) {
		got = append(got, event)
	})

	event, err := eventbus.New(eventbus.TypeNodeCreated, map[string]string{"path": "datasets"})
	require.NoError(t, err)
	bus.Publish(context.Background(), event)

	require.Len(t, got, 1)
	require.Equal(t, eventbus.TypeNodeCreated, got[0].Type)

	var payload map[string]string
	require.NoError(t, got[0].DecodeData(&payload))
	require.Equal(t, "datasets", payload["path"])

	cancel()
	bus.Publish(context.Background(), event)
	require.Len(t, got, 1)
}

func TestInlineMultipleSubscribers(t *testing.T) {
	bus := eventbus.NewInline(zaptest.NewLogger(t))

	var first, second int
	defer bus.Subscribe(func(context.Context, eventbus.Event) { first++ })()
	defer bus.Subscribe(func(context.Context, eventbus.Event) { second++ })()

	event, err := eventbus.New(eventbus.TypeDriftDetected, struct{}{})
	require.NoError(t, err)
	bus.Publish(context.Background(), event)

	require.Equal(t, 1, first)
	require.Equal(t, 1, second)
}
