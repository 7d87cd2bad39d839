package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnqueueAndConsume(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, Enqueue(ctx, client, JobPartitionMaintenance))

	w := &Worker{Redis: client, Log: zap.NewNop()}
	jobs := make(chan string, 1)
	go w.consumeQueue(ctx, jobs)

	select {
	case job := <-jobs:
		assert.Equal(t, JobPartitionMaintenance, job)
	case <-time.After(5 * time.Second):
		t.Fatal("job never consumed")
	}
}

func TestRunJobRejectsUnknownName(t *testing.T) {
	w := &Worker{Log: zap.NewNop()}
	err := w.runJob(context.Background(), "make_coffee")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "make_coffee")
}

func TestDerivedBackfillRequiresWiring(t *testing.T) {
	w := &Worker{Log: zap.NewNop()}
	err := w.runJob(context.Background(), JobDerivedBackfill)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not wired")
}
