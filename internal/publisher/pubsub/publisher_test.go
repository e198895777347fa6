package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(context.Background(), "geotile-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	_, err := client.CreateTopic(context.Background(), "tiles")
	require.NoError(t, err)

	p := New(client, "tiles")
	defer p.Close()

	id, err := p.Publish(context.Background(), "", map[string]any{"tile": "r0000_c0001", "uri": "memory://x"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "r0000_c0001", got["tile"])
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "tiles").Publish(context.Background(), "", 1)
	require.Error(t, err)

	client, _ := newTestClient(t)
	p := New(client, "")
	_, err = p.Publish(context.Background(), "", 1)
	require.ErrorContains(t, err, "topic is required")

	_, err = p.Publish(context.Background(), "tiles", make(chan int))
	require.ErrorContains(t, err, "marshal payload")

	_, err = p.Publish(context.Background(), "missing", 1)
	require.Error(t, err)
	p.Close()
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
