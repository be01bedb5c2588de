package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nuagemq/pubsub/errorx"
	"github.com/nuagemq/pubsub/messagex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPublishTest(t *testing.T, conf *Config) (Client, *recordingDriver) {
	t.Helper()
	d := newRecordingDriver()
	c := newTestClient(t, conf, WithDriver(d))
	require.NoError(t, c.CreateTopic(context.Background(), "orders"))
	return c, d
}

func TestPublishWithoutBatching(t *testing.T) {
	ctx := context.Background()
	c, d := setupPublishTest(t, &Config{Scope: "test"})

	res, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte("m1")))
	require.NoError(t, err)

	id, err := res.Get(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	batches := d.sentBatches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
}

func TestPublishBatchesByCount(t *testing.T) {
	ctx := context.Background()
	conf := &Config{Scope: "test"}
	conf.Publisher.Batching = BatchingConfig{
		Enabled:               true,
		ElementCountThreshold: 3,
		DelayThreshold:        time.Minute,
	}
	c, d := setupPublishTest(t, conf)

	var results []*PublishResult
	for _, payload := range []string{"m1", "m2", "m3"} {
		res, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte(payload)))
		require.NoError(t, err)
		results = append(results, res)
	}

	for _, res := range results {
		id, err := res.Get(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	batches := d.sentBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
	assert.Equal(t, []byte("m1"), batches[0][0].Payload)
	assert.Equal(t, []byte("m2"), batches[0][1].Payload)
	assert.Equal(t, []byte("m3"), batches[0][2].Payload)

	// A partial follow-up batch flushes on Close.
	res4, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte("m4")))
	require.NoError(t, err)
	res5, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte("m5")))
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	for _, res := range []*PublishResult{res4, res5} {
		_, err := res.Get(ctx)
		require.NoError(t, err)
	}
	batches = d.sentBatches()
	require.Len(t, batches, 2)
	require.Len(t, batches[1], 2)
	assert.Equal(t, []byte("m4"), batches[1][0].Payload)
	assert.Equal(t, []byte("m5"), batches[1][1].Payload)
}

func TestPublishBatchesByDelay(t *testing.T) {
	ctx := context.Background()
	conf := &Config{Scope: "test"}
	conf.Publisher.Batching = BatchingConfig{
		Enabled:               true,
		ElementCountThreshold: 100,
		DelayThreshold:        20 * time.Millisecond,
	}
	c, d := setupPublishTest(t, conf)

	res, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte("m1")))
	require.NoError(t, err)

	_, err = res.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, d.sentBatches(), 1)
}

func TestCloseFlushesPendingBatch(t *testing.T) {
	ctx := context.Background()
	conf := &Config{Scope: "test"}
	conf.Publisher.Batching = BatchingConfig{
		Enabled:               true,
		ElementCountThreshold: 100,
		DelayThreshold:        time.Minute,
	}
	c, d := setupPublishTest(t, conf)

	res, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte("pending")))
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))

	id, err := res.Get(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, d.sentBatches(), 1)
}

func TestPublishBatchFailureResolvesEveryResult(t *testing.T) {
	ctx := context.Background()
	conf := &Config{Scope: "test"}
	conf.Publisher.Batching = BatchingConfig{
		Enabled:               true,
		ElementCountThreshold: 2,
		DelayThreshold:        time.Minute,
	}
	c, d := setupPublishTest(t, conf)
	d.failSends(errorx.InternalErrorf("broker exploded"))

	res1, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte("m1")))
	require.NoError(t, err)
	res2, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte("m2")))
	require.NoError(t, err)

	_, err1 := res1.Get(ctx)
	_, err2 := res2.Get(ctx)
	require.Error(t, err1)
	require.Error(t, err2)
	assert.True(t, errorx.IsInternalError(err1))
	assert.True(t, errorx.IsInternalError(err2))
}

func TestPublishUnknownTopic(t *testing.T) {
	ctx := context.Background()
	c, _ := setupPublishTest(t, &Config{Scope: "test"})

	res, err := c.Publish(ctx, "absent", messagex.NewMessage([]byte("m1")))
	require.NoError(t, err)

	_, err = res.Get(ctx)
	require.Error(t, err)
	assert.True(t, errorx.IsNotFoundError(err))
}

func TestPublishRejectFlowControl(t *testing.T) {
	ctx := context.Background()
	conf := &Config{Scope: "test"}
	conf.Publisher.FlowControl = FlowControlConfig{
		MaxOutstandingElementCount: 1,
		LimitExceededBehavior:      "reject",
	}
	conf.Publisher.Batching = BatchingConfig{
		Enabled:               true,
		ElementCountThreshold: 100,
		DelayThreshold:        time.Minute,
	}
	c, _ := setupPublishTest(t, conf)

	res1, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte("m1")))
	require.NoError(t, err)

	// The first message sits in the pending batch and holds the only slot.
	res2, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte("m2")))
	require.NoError(t, err)
	_, err = res2.Get(ctx)
	require.Error(t, err)
	assert.True(t, errorx.IsResourceExhaustedError(err))

	require.NoError(t, c.Close(ctx))
	_, err = res1.Get(ctx)
	require.NoError(t, err)
}

func TestCloseWaitsForConcurrentPublishes(t *testing.T) {
	ctx := context.Background()
	c, _ := setupPublishTest(t, &Config{Scope: "test"})

	var (
		mu      sync.Mutex
		results []*PublishResult
		wg      sync.WaitGroup
	)
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := c.Publish(ctx, "orders", messagex.NewMessage([]byte("racy")))
				if err != nil {
					return
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close(ctx))
	close(stop)
	wg.Wait()

	// Every accepted message resolved, either with its ID or with the
	// publisher-closed error; none may still be pending.
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, results)
	for i, res := range results {
		select {
		case <-res.Done():
		default:
			t.Fatalf("result %d still unresolved after Close returned", i)
		}
	}
}

func TestPublishInvalidArguments(t *testing.T) {
	ctx := context.Background()
	c, _ := setupPublishTest(t, &Config{Scope: "test"})

	_, err := c.Publish(ctx, "bad.topic", messagex.NewMessage([]byte("m")))
	require.Error(t, err)
	assert.True(t, errorx.IsInvalidArgumentError(err))

	_, err = c.Publish(ctx, "orders", nil)
	require.Error(t, err)
	assert.True(t, errorx.IsInvalidArgumentError(err))
}
