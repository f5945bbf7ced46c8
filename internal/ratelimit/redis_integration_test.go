//go:build integration

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/sells-group/kyb-monitor/internal/model"
)

type RedisSuite struct {
	suite.Suite
	client *redis.Client
	stop   func()
}

func TestRedisSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisSuite))
}

func (s *RedisSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	s.Require().NoError(err)
	s.stop = func() { _ = container.Terminate(ctx) }

	uri, err := container.ConnectionString(ctx)
	s.Require().NoError(err)
	opts, err := redis.ParseURL(uri)
	s.Require().NoError(err)
	s.client = redis.NewClient(opts)
	s.Require().NoError(s.client.Ping(ctx).Err())
}

func (s *RedisSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.stop != nil {
		s.stop()
	}
}

func (s *RedisSuite) SetupTest() {
	s.Require().NoError(s.client.FlushAll(context.Background()).Err())
}

func (s *RedisSuite) TestReserveSlidingWindow() {
	w := NewRedisWindows(s.client, "")
	limit := Limit{Requests: 2, Window: time.Minute}
	now := time.Now().Truncate(time.Millisecond)
	ctx := context.Background()

	ok, _, err := w.Reserve(ctx, "vies", limit, now)
	s.Require().NoError(err)
	s.True(ok)
	ok, _, _ = w.Reserve(ctx, "vies", limit, now.Add(time.Second))
	s.True(ok)

	ok, retryAt, err := w.Reserve(ctx, "vies", limit, now.Add(2*time.Second))
	s.Require().NoError(err)
	s.False(ok)
	s.Equal(now.Add(time.Minute).UnixMilli(), retryAt.UnixMilli())

	ok, _, _ = w.Reserve(ctx, "vies", limit, now.Add(time.Minute))
	s.True(ok)
}

func (s *RedisSuite) TestReserveIsAtomicAcrossClients() {
	w := NewRedisWindows(s.client, "")
	limit := Limit{Requests: 30, Window: time.Minute}
	now := time.Now()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, err := w.Reserve(context.Background(), "vies", limit, now); err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int64(30), admitted.Load())
}

func (s *RedisSuite) TestCacheRoundTrip() {
	c := NewRedisCache(s.client, "")
	ctx := context.Background()
	now := time.Now().UTC()

	_, ok, err := c.Get(ctx, "vies:DE123456789")
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(c.Set(ctx, "vies:DE123456789", Entry{
		Result:    model.CheckResult{Status: model.StatusOK, Fields: map[string]string{"active": "true"}},
		StoredAt:  now,
		ExpiresAt: now.Add(time.Hour),
		KeepUntil: now.Add(2 * time.Hour),
	}))

	e, ok, err := c.Get(ctx, "vies:DE123456789")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("true", e.Result.Fields["active"])
	s.True(e.Fresh(now))

	ttl := s.client.TTL(ctx, "kyb:cache:vies:DE123456789").Val()
	s.Greater(ttl, time.Hour)
}
