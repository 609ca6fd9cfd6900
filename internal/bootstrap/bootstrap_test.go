package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0", zap.NewNop())
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")

	tests := []struct {
		name string
		url  string
	}{
		{name: "empty", url: ""},
		{name: "bad scheme", url: "http://localhost:6379"},
		{name: "unreachable", url: "redis://127.0.0.1:1/0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, OpenRedis(context.Background(), tt.url, zap.NewNop()))
		})
	}
}

func TestOpenPublisherFallsBack(t *testing.T) {
	for _, url := range []string{"", "not-a-broker"} {
		pub := OpenPublisher(url, zap.NewNop())
		_, ok := pub.(*rabbitmq.NoopProducer)
		assert.True(t, ok, "url %q", url)
	}
}
