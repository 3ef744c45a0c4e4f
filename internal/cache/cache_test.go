package cache

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-zulfiqar/anchor-dex/internal/constants"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	require.NoError(t, client.FlushDB(ctx).Err())

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestChannels(t *testing.T) {
	ev := &models.SettlementEvent{PoolAddress: "pool1", State: models.StateLeg2Complete}
	assert.Equal(t, []string{
		constants.PubSubChannelSettlements,
		constants.PubSubChannelPoolPrefix + "pool1",
		constants.PubSubChannelStatePrefix + string(models.StateLeg2Complete),
	}, Channels(ev))

	ev.State = models.StateLeg2Failed
	assert.Contains(t, Channels(ev), constants.PubSubChannelReconciliations)
}

func TestRedisLocker_Exclusive(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Second, quietLogger())
	ctx := context.Background()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "pool1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight)

	exists, err := client.Exists(ctx, constants.RedisKeyPoolLockPrefix+"pool1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "released locks leave no key")
}

func TestRedisLocker_WaitHonoursContext(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Second, quietLogger())

	unlock, err := locker.Lock(context.Background(), "pool1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "pool1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_LeaseExtendedWhileHeld(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewRedisLocker(client, 300*time.Millisecond, quietLogger())
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "pool1")
	require.NoError(t, err)

	time.Sleep(700 * time.Millisecond)
	exists, err := client.Exists(ctx, constants.RedisKeyPoolLockPrefix+"pool1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	unlock()
	unlock()
}

func TestRedisLocker_ForeignTokenNotReleased(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Second, quietLogger())
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "pool1")
	require.NoError(t, err)

	// Another holder took over after expiry.
	require.NoError(t, client.Set(ctx, constants.RedisKeyPoolLockPrefix+"pool1", "other", time.Second).Err())
	unlock()

	val, err := client.Get(ctx, constants.RedisKeyPoolLockPrefix+"pool1").Result()
	require.NoError(t, err)
	assert.Equal(t, "other", val)
}

func TestEventPublisher_RoundTrip(t *testing.T) {
	client := setupTestRedis(t)
	pub := NewEventPublisher(client, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *models.SettlementEvent, 1)
	go func() {
		_ = pub.Subscribe(ctx, constants.PubSubChannelReconciliations, func(ev *models.SettlementEvent) {
			select {
			case got <- ev:
			default:
			}
		})
	}()

	ev := &models.SettlementEvent{
		TransactionID: "tx-1",
		PoolAddress:   "pool1",
		State:         models.StateLeg2Failed,
		Reason:        "leg 2 rejected",
		Timestamp:     time.Now().UTC(),
	}

	// Publish until the subscription is live.
	var rcv *models.SettlementEvent
	require.Eventually(t, func() bool {
		_ = pub.PublishSettlement(ctx, ev)
		select {
		case rcv = <-got:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "tx-1", rcv.TransactionID)
	assert.Equal(t, models.StateLeg2Failed, rcv.State)
}
