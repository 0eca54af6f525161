package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/backend/redisstore"
	"github.com/denismitr/twinstore/internal/adaptertest"
)

func open(t *testing.T, mr *miniredis.Miniredis) *redisstore.Store {
	t.Helper()

	s, err := redisstore.New(redisstore.Config{Addr: mr.Addr(), Prefix: "test"})
	require.NoError(t, err)
	return s
}

func TestRedisstore_Fast(t *testing.T) {
	mr := miniredis.RunT(t)

	openFast := func() twinstore.FastBackend {
		mr.FlushAll()
		return open(t, mr)
	}

	suite.Run(t, &adaptertest.FastSuite{
		BackendSuite: adaptertest.BackendSuite{Open: func() twinstore.Backend { return openFast() }},
		OpenFast:     openFast,
	})
}

func TestRedisstore_Layout(t *testing.T) {
	mr := miniredis.RunT(t)
	s := open(t, mr)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "users/u1", twinstore.M{
		"name":    "A",
		"age":     31,
		"profile": twinstore.M{"city": "Tbilisi"},
	}))

	assert.Equal(t, `"A"`, mr.HGet("test:tree:users", "users/u1/name"))
	assert.Equal(t, `31`, mr.HGet("test:tree:users", "users/u1/age"))
	assert.Equal(t, `"Tbilisi"`, mr.HGet("test:tree:users", "users/u1/profile/city"))

	t.Run("prefix siblings stay apart", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, "users/u10", twinstore.M{"name": "J"}))
		require.NoError(t, s.Remove(ctx, "users/u1"))

		got, err := s.Read(ctx, "users/u10")
		require.NoError(t, err)
		assert.Equal(t, twinstore.M{"name": "J"}, got)
		assert.Equal(t, "", mr.HGet("test:tree:users", "users/u1/name"))
	})

	t.Run("glob characters in keys", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, "content_data/a*", twinstore.M{"title": "star"}))
		require.NoError(t, s.Write(ctx, "content_data/ab", twinstore.M{"title": "plain"}))

		got, err := s.Read(ctx, "content_data/a*")
		require.NoError(t, err)
		assert.Equal(t, twinstore.M{"title": "star"}, got)
	})

	t.Run("writing below a scalar replaces it", func(t *testing.T) {
		require.NoError(t, s.Merge(ctx, "config/system_settings", twinstore.M{"theme": "dark"}))
		require.NoError(t, s.Write(ctx, "config/system_settings/theme", twinstore.M{"name": "dark", "contrast": "high"}))

		got, err := s.Read(ctx, "config/system_settings")
		require.NoError(t, err)
		assert.Equal(t, twinstore.M{"theme": twinstore.M{"name": "dark", "contrast": "high"}}, got)
	})

	t.Run("flush", func(t *testing.T) {
		require.NoError(t, s.Flush(ctx))
		assert.False(t, mr.Exists("test:tree:users"))

		_, err := s.Read(ctx, "users/u10")
		assert.True(t, twinstore.IsNotFound(err))
	})
}

func TestRedisstore_ConnectionLoss(t *testing.T) {
	mr := miniredis.RunT(t)
	s := open(t, mr)
	defer s.Close()

	ctx := context.Background()
	failed := make(chan error, 1)

	l, err := s.Watch(ctx, "users/u1", func(twinstore.Snapshot) {}, func(err error) { failed <- err })
	require.NoError(t, err)
	defer l.Close()

	mr.Close()

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, twinstore.ErrBackendUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not report the lost connection")
	}

	err = s.Write(ctx, "users/u1", twinstore.M{"name": "A"})
	assert.ErrorIs(t, err, twinstore.ErrBackendUnavailable)
}

func TestRedisstore_New_Unreachable(t *testing.T) {
	_, err := redisstore.New(redisstore.Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}

func TestRedisstore_CloseFailsListeners(t *testing.T) {
	mr := miniredis.RunT(t)
	s := open(t, mr)

	failed := make(chan error, 1)
	_, err := s.Watch(context.Background(), "users/u1", func(twinstore.Snapshot) {}, func(err error) { failed <- err })
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), twinstore.ErrClosed)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, twinstore.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not failed on close")
	}
}
