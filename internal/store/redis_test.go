package store

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/narivals/rivals-ledger/internal/model"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis tests in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestCachedStore(t *testing.T) {
	rdb := redisClient(t)

	runStoreSuite(t, func(t *testing.T) Store {
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		return NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	})

	t.Run("reads are cached and writes invalidate", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, rdb.FlushDB(ctx).Err())
		st := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

		uid := newUserID()
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			return tx.PutWallet(ctx, newWallet(uid, 150))
		}))

		_, err := st.GetWallet(ctx, uid)
		require.NoError(t, err)
		_, err = st.ListCommodities(ctx)
		require.NoError(t, err)

		n, err := rdb.Exists(ctx, walletKey(uid), marketKey()).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			if err := tx.PutWallet(ctx, newWallet(uid, 90)); err != nil {
				return err
			}
			c, err := tx.GetCommodity(ctx, model.Fire)
			if err != nil {
				return err
			}
			c.UnitValue += 5
			return tx.PutCommodity(ctx, c)
		}))

		n, err = rdb.Exists(ctx, walletKey(uid), marketKey()).Result()
		require.NoError(t, err)
		assert.Zero(t, n)

		w, err := st.GetWallet(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, int64(90), w.Tokens)
		assert.Equal(t, model.InitialUnitValue+5, commodity(t, st, model.Fire).UnitValue)
	})

	t.Run("failed unit keeps cache", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, rdb.FlushDB(ctx).Err())
		st := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

		uid := newUserID()
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			return tx.PutWallet(ctx, newWallet(uid, 150))
		}))
		_, err := st.GetWallet(ctx, uid)
		require.NoError(t, err)

		err = st.Update(ctx, func(tx Tx) error {
			if err := tx.PutWallet(ctx, newWallet(uid, 0)); err != nil {
				return err
			}
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)

		w, err := st.GetWallet(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, int64(150), w.Tokens)
	})
}

func TestCachedStoreFallsBackWhenRedisIsDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	st := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		return tx.PutWallet(ctx, newWallet("u1", 150))
	}))

	w, err := st.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), w.Tokens)

	cs, err := st.ListCommodities(ctx)
	require.NoError(t, err)
	assert.Len(t, cs, len(model.Symbols))
}

func TestCachedStoreLogsFailedInvalidation(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))

	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	st := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	ctx := context.Background()
	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		return tx.PutWallet(ctx, newWallet("u1", 150))
	}))

	assert.Contains(t, buf.String(), "cache invalidation failed")
	assert.Contains(t, buf.String(), walletKey("u1"))
}
