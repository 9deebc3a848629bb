package redis

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/genstudio-backend/pkg/config"
)

// fakeConn keeps values and TTLs in memory and runs the client's scripts
// by their SHA, the way a server with a warm script cache would.
type fakeConn struct {
	data   map[string]string
	ttl    map[string]time.Duration
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeConn) Ping(context.Context) *redis.StatusCmd { return redis.NewStatusResult("PONG", nil) }

func (f *fakeConn) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeConn) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.data[key] = fmt.Sprint(value)
	f.ttl[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeConn) SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.Set(ctx, key, value, ttl)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeConn) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			n++
		}
		delete(f.data, key)
		delete(f.ttl, key)
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func (f *fakeConn) EvalSha(_ context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	key := keys[0]
	switch sha {
	case windowScript.Hash():
		n, _ := strconv.ParseInt(f.data[key], 10, 64)
		n++
		f.data[key] = strconv.FormatInt(n, 10)
		if n == 1 || f.ttl[key] <= 0 {
			f.ttl[key] = time.Duration(args[0].(int64)) * time.Millisecond
		}
		return redis.NewCmdResult(n, nil)
	case delIfValueScript.Hash():
		if v, ok := f.data[key]; ok && v == args[0] {
			delete(f.data, key)
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	case expireIfValueScript.Hash():
		if v, ok := f.data[key]; ok && v == args[0] {
			f.ttl[key] = time.Duration(args[1].(int64)) * time.Millisecond
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	}
	return redis.NewCmdResult(nil, fmt.Errorf("NOSCRIPT unknown script %s", sha))
}

func (f *fakeConn) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, redis.NewScript(script).Hash(), keys, args...)
}

func (f *fakeConn) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeConn) EvalShaRO(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, sha, keys, args...)
}

func (f *fakeConn) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeConn) ScriptLoad(_ context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult(redis.NewScript(script).Hash(), nil)
}

func TestFixedWindowAllowCountsWithinWindow(t *testing.T) {
	ctx := context.Background()
	fake := newFakeConn()
	client := &Client{conn: fake}

	for want := int64(1); want <= 2; want++ {
		allowed, count, err := client.FixedWindowAllow(ctx, "generate|user-1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, want, count)
	}
	allowed, count, err := client.FixedWindowAllow(ctx, "generate|user-1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, time.Minute, fake.ttl["gs:rate_limit:generate|user-1"])
}

func TestFixedWindowAllowRearmsCounterWithoutTTL(t *testing.T) {
	fake := newFakeConn()
	fake.data["gs:rate_limit:scope"] = "5"
	client := &Client{conn: fake}

	_, count, err := client.FixedWindowAllow(context.Background(), "scope", 10, time.Second)

	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
	assert.Equal(t, time.Second, fake.ttl["gs:rate_limit:scope"])
}

func TestFixedWindowAllowRejectsZeroWindow(t *testing.T) {
	client := &Client{conn: newFakeConn()}
	_, _, err := client.FixedWindowAllow(context.Background(), "scope", 1, 0)
	assert.Error(t, err)
}

func TestSetNXGuardsPaymentOnce(t *testing.T) {
	ctx := context.Background()
	client := &Client{conn: newFakeConn()}
	key := client.PaymentGuardKey("PAYID-1")

	ok, err := client.SetNX(ctx, key, "user-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client.SetNX(ctx, key, "user-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.Del(ctx, key))
	_, err = client.Get(ctx, key)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestValueGuardedScripts(t *testing.T) {
	ctx := context.Background()
	fake := newFakeConn()
	client := &Client{conn: fake}
	_, err := client.SetNX(ctx, "gs:lock:cron", "owner-a", time.Minute)
	require.NoError(t, err)

	ok, err := client.ExpireIfValue(ctx, "gs:lock:cron", "owner-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = client.ExpireIfValue(ctx, "gs:lock:cron", "owner-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, fake.ttl["gs:lock:cron"])

	ok, err = client.DelIfValue(ctx, "gs:lock:cron", "owner-b")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = client.DelIfValue(ctx, "gs:lock:cron", "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, fake.data, "gs:lock:cron")
}

func TestUninitializedClient(t *testing.T) {
	var client *Client
	assert.ErrorIs(t, client.Ping(context.Background()), errNotInitialized)
	_, _, err := (&Client{}).FixedWindowAllow(context.Background(), "scope", 1, time.Second)
	assert.ErrorIs(t, err, errNotInitialized)
	assert.NoError(t, client.Close())
}

func TestOptionsFromConfig(t *testing.T) {
	_, err := optionsFromConfig(config.RedisConfig{})
	assert.Error(t, err)

	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6379/2", PoolSize: 7, DialTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, time.Second, opts.DialTimeout)

	opts, err = optionsFromConfig(config.RedisConfig{Address: "cache:6379", DB: 3})
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 3, opts.DB)
}

func TestKeys(t *testing.T) {
	client := &Client{}
	assert.Equal(t, "gs:idempotency:scope:id", client.IdempotencyKey("scope", "id"))
	assert.Equal(t, "gs:idempotency:scope", client.IdempotencyKey("scope", " "))
	assert.Equal(t, "gs:rate_limit:scope", client.RateLimitKey("scope"))
	assert.Equal(t, "gs:payment:complete:PAYID-1", client.PaymentGuardKey("PAYID-1"))
	assert.Equal(t, "gs:lock:cron-worker", client.LockKey("cron-worker"))
}
