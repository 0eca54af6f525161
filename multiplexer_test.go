package twinstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denismitr/twinstore"
)

const waitFor = 2 * time.Second

func next(t *testing.T, sub *twinstore.Subscription) (twinstore.Update, bool) {
	t.Helper()

	select {
	case u, ok := <-sub.Updates():
		return u, ok
	case <-time.After(waitFor):
		t.Fatalf("no update on %s within %s", sub.Path(), waitFor)
		return twinstore.Update{}, false
	}
}

func assertClosed(t *testing.T, sub *twinstore.Subscription) {
	t.Helper()

	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-sub.Updates():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("updates of %s were not closed", sub.Path())
		}
	}
}

func assertQuiet(t *testing.T, sub *twinstore.Subscription) {
	t.Helper()

	select {
	case u, ok := <-sub.Updates():
		if ok {
			t.Fatalf("unexpected update %+v", u)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultiplexer_SubscribeLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Save(ctx, user("u1", "a@x.com", "A"))
	require.NoError(t, err)

	sub, err := f.store.SubscribeLive(ctx, twinstore.KindUser, "u1")
	require.NoError(t, err)
	defer sub.Close()

	u, ok := next(t, sub)
	require.True(t, ok)
	assert.Equal(t, twinstore.SourceFast, u.Source)
	require.Len(t, u.Entities, 1)
	assert.Equal(t, "u1", u.Entities[0].Key)
	assert.Equal(t, "A", u.Entities[0].Fields.String("name"))
	assert.Equal(t, twinstore.StateSubscribed, sub.State())

	_, err = f.store.Patch(ctx, twinstore.KindUser, "u1", twinstore.M{"name": "A2"})
	require.NoError(t, err)

	u, ok = next(t, sub)
	require.True(t, ok)
	assert.Equal(t, "A2", u.Entities[0].Fields.String("name"))
	assert.Equal(t, 0, f.durable.Calls(twinstore.OpRead))
}

func TestMultiplexer_AbsentEntityIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.store.SubscribeLive(ctx, twinstore.KindUser, "u1")
	require.NoError(t, err)
	defer sub.Close()

	assertQuiet(t, sub)

	_, err = f.store.Save(ctx, user("u1", "a@x.com", "A"))
	require.NoError(t, err)

	u, ok := next(t, sub)
	require.True(t, ok)
	assert.Equal(t, "a@x.com", u.Entities[0].Fields.String("email"))
}

func TestMultiplexer_FallbackOnListenerError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Save(ctx, user("u1", "a@x.com", "A"))
	require.NoError(t, err)

	sub, err := f.store.SubscribeLive(ctx, twinstore.KindUser, "u1")
	require.NoError(t, err)
	defer sub.Close()

	_, ok := next(t, sub)
	require.True(t, ok)

	f.durable.ResetCalls()
	f.fast.BreakListeners(nil)

	u, ok := next(t, sub)
	require.True(t, ok)
	assert.Equal(t, twinstore.SourceDurable, u.Source)
	require.Len(t, u.Entities, 1)
	assert.Equal(t, twinstore.M{"email": "a@x.com", "name": "A"}, u.Entities[0].Fields)

	// no reconnect and no polling: later writes are not delivered
	require.NoError(t, f.fastMem.Write(ctx, "users/u1", twinstore.M{"name": "ignored"}))
	assertClosed(t, sub)

	assert.Equal(t, 1, f.durable.Calls(twinstore.OpRead))
	assert.Equal(t, 1, f.fast.Calls(twinstore.OpWatch))
	assert.Equal(t, twinstore.StateIdle, sub.State())
	assert.ErrorIs(t, sub.Err(), twinstore.ErrBackendUnavailable)
	assert.Len(t, f.sink.failures(twinstore.EventSubscriptionLost), 1)
}

func TestMultiplexer_FallbackFindsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.store.SubscribeLive(ctx, twinstore.KindUser, "ghost")
	require.NoError(t, err)
	defer sub.Close()

	f.fast.BreakListeners(nil)

	assertClosed(t, sub)
	assert.Equal(t, twinstore.StateIdle, sub.State())
	assert.Equal(t, 1, f.durable.Calls(twinstore.OpRead))
}

func TestMultiplexer_WatchSetupFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.durableMem.Write(ctx, "config/system_settings", twinstore.M{"theme": "light"}))
	f.fast.FailOn(twinstore.OpWatch, nil)

	sub, err := f.store.SubscribeSettings(ctx)
	require.NoError(t, err)
	defer sub.Close()

	u, ok := next(t, sub)
	require.True(t, ok)
	assert.Equal(t, twinstore.SourceDurable, u.Source)
	assert.Equal(t, "light", u.Entities[0].Fields.String("theme"))

	assertClosed(t, sub)
}

func TestMultiplexer_SubscribeCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.store.SubscribeCollection(ctx, twinstore.KindContent)
	require.NoError(t, err)
	defer sub.Close()

	u, ok := next(t, sub)
	require.True(t, ok)
	assert.Empty(t, u.Entities)

	_, err = f.store.SaveBulk(ctx, twinstore.KindContent, map[string]twinstore.M{
		"10": {"title": "Outro"},
		"2":  {"title": "Basics"},
		"1":  {"title": "Intro"},
	})
	require.NoError(t, err)

	u, ok = next(t, sub)
	require.True(t, ok)
	require.Len(t, u.Entities, 3)
	assert.Equal(t, []string{"1", "2", "10"}, []string{u.Entities[0].Key, u.Entities[1].Key, u.Entities[2].Key})

	f.fast.BreakListeners(nil)

	u, ok = next(t, sub)
	require.True(t, ok)
	assert.Equal(t, twinstore.SourceDurable, u.Source)
	require.Len(t, u.Entities, 3)
	assert.Equal(t, "Intro", u.Entities[0].Fields.String("title"))
	assert.Equal(t, 1, f.durable.Calls(twinstore.OpList))

	assertClosed(t, sub)
}

func TestMultiplexer_CoalescesToLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.store.SubscribeLive(ctx, twinstore.KindContent, "1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 1; i <= 20; i++ {
		_, err := f.store.Save(ctx, twinstore.NewEntity(twinstore.KindContent, "1", twinstore.M{"rev": fmt.Sprintf("v%d", i)}))
		require.NoError(t, err)
	}

	var seen int
	for {
		u, ok := next(t, sub)
		require.True(t, ok)
		seen++
		if u.Entities[0].Fields.String("rev") == "v20" {
			break
		}
	}

	assert.LessOrEqual(t, seen, 20)
	assertQuiet(t, sub)
}

func TestMultiplexer_CloseAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("close", func(t *testing.T) {
		sub, err := f.store.SubscribeLive(ctx, twinstore.KindUser, "u1")
		require.NoError(t, err)

		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())

		assertClosed(t, sub)
		assert.Equal(t, twinstore.StateClosed, sub.State())
		assert.NoError(t, sub.Err())
	})

	t.Run("cancel", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		sub, err := f.store.SubscribeLive(cctx, twinstore.KindUser, "u1")
		require.NoError(t, err)

		cancel()

		assertClosed(t, sub)
		assert.Equal(t, twinstore.StateClosed, sub.State())
	})

	t.Run("independent listeners", func(t *testing.T) {
		a, err := f.store.SubscribeLive(ctx, twinstore.KindUser, "u2")
		require.NoError(t, err)
		b, err := f.store.SubscribeLive(ctx, twinstore.KindUser, "u2")
		require.NoError(t, err)
		defer b.Close()

		require.NoError(t, a.Close())

		_, err = f.store.Save(ctx, user("u2", "b@x.com", "B"))
		require.NoError(t, err)

		u, ok := next(t, b)
		require.True(t, ok)
		assert.Equal(t, "B", u.Entities[0].Fields.String("name"))
	})

	t.Run("unsupported collection", func(t *testing.T) {
		_, err := f.store.SubscribeCollection(ctx, twinstore.KindTestResult)
		assert.ErrorIs(t, err, twinstore.ErrUnsupported)
	})
}
