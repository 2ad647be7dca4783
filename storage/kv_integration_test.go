//go:build integration

package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semgov/policy"
)

func newKVStore(t *testing.T) *KVChainStore {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, bucket := range []string{BucketRules, BucketHeads} {
		_ = js.DeleteKeyValue(ctx, bucket)
	}

	s, err := NewKVChainStore(ctx, js)
	require.NoError(t, err)
	return s
}

func TestKVChainStore(t *testing.T) {
	s := newKVStore(t)
	ctx := context.Background()

	r1 := testRule("eu data", 1, "")
	r2 := testRule("eu data", 2, r1.ID)
	require.NoError(t, s.Append(ctx, r1))
	require.NoError(t, s.Append(ctx, r2))

	err := s.Append(ctx, testRule("eu data", 2, r1.ID))
	assert.ErrorIs(t, err, policy.ErrChainConflict)

	head, err := s.Head(ctx, "eu data")
	require.NoError(t, err)
	assert.Equal(t, r2.ID, head.ID)

	history, err := s.History(ctx, "eu data")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, r1.ID, history[0].ID)

	domains, err := s.Domains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu data"}, domains)
}
