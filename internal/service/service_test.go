package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vadimbarashkov/shortlink-registry/internal/kv/memory"
	"github.com/vadimbarashkov/shortlink-registry/internal/models"
	"github.com/vadimbarashkov/shortlink-registry/internal/shortcode"
)

func setupService(t testing.TB) *ShortLinkService {
	t.Helper()
	return NewShortLinkService(memory.New())
}

func TestShortLinkService_Shorten(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid url", func(t *testing.T) {
		svc := setupService(t)

		link, err := svc.Shorten(ctx, "this aint no url", "alice")

		assert.Error(t, err)
		assert.ErrorIs(t, err, shortcode.ErrInvalidURL)
		assert.Nil(t, link)
	})

	t.Run("success", func(t *testing.T) {
		svc := setupService(t)

		link, err := svc.Shorten(ctx, "https://example.com", "alice")

		require.NoError(t, err)
		assert.Len(t, link.ShortCode, shortcode.Length)
		assert.Equal(t, "https://example.com", link.LongURL)
		assert.Equal(t, "alice", link.OwnerID)
		assert.Zero(t, link.ClickCount)
	})
}

func TestShortLinkService_CreateShortLink(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	created, err := svc.CreateShortLink(ctx, "abc", "https://example.com", "alice")
	require.NoError(t, err)

	t.Run("record is readable by code", func(t *testing.T) {
		link, err := svc.GetByCode(ctx, "abc")

		require.NoError(t, err)
		assert.Equal(t, *created, *link)
		assert.Zero(t, link.ClickCount)
	})

	t.Run("owner index includes the code", func(t *testing.T) {
		var codes []string
		for link, err := range svc.ListByOwner(ctx, "alice") {
			require.NoError(t, err)
			codes = append(codes, link.ShortCode)
		}

		assert.Contains(t, codes, "abc")
	})

	t.Run("other owners do not see the code", func(t *testing.T) {
		for range svc.ListByOwner(ctx, "bob") {
			t.Fatal("unexpected link for other owner")
		}
	})

	t.Run("colliding code is overwritten", func(t *testing.T) {
		_, err := svc.CreateShortLink(ctx, "abc", "https://other.example.com", "bob")
		require.NoError(t, err)

		link, err := svc.GetByCode(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "https://other.example.com", link.LongURL)
		assert.Equal(t, "bob", link.OwnerID)
	})
}

func TestShortLinkService_GetByCode_NotFound(t *testing.T) {
	svc := setupService(t)

	link, err := svc.GetByCode(context.Background(), "missing")

	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrLinkNotFound)
	assert.Nil(t, link)
}

func TestShortLinkService_ListByOwner_ManyLinks(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	// More codes than one resolve batch.
	const n = resolveBatchSize + 5
	for i := 0; i < n; i++ {
		_, err := svc.CreateShortLink(ctx, string(rune('a'+i%26))+string(rune('0'+i/26)), "https://example.com", "alice")
		require.NoError(t, err)
	}

	count := func() int {
		var c int
		for _, err := range svc.ListByOwner(ctx, "alice") {
			require.NoError(t, err)
			c++
		}
		return c
	}

	assert.Equal(t, n, count())
	// Restartable.
	assert.Equal(t, n, count())
}

func TestShortLinkService_ListAll(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	_, err := svc.CreateShortLink(ctx, "abc", "https://example.com", "alice")
	require.NoError(t, err)
	_, err = svc.CreateShortLink(ctx, "def", "https://example.org", "bob")
	require.NoError(t, err)

	var codes []string
	for link, err := range svc.ListAll(ctx) {
		require.NoError(t, err)
		codes = append(codes, link.ShortCode)
	}

	assert.ElementsMatch(t, []string{"abc", "def"}, codes)
}

func TestShortLinkService_RecordClick(t *testing.T) {
	ctx := context.Background()

	t.Run("nonexistent code", func(t *testing.T) {
		svc := setupService(t)

		event, err := svc.RecordClick(ctx, "missing", models.ClickMetadata{})

		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrLinkNotFound)
		assert.Nil(t, event)

		// No event was written.
		_, err = svc.GetClickEvent(ctx, "missing", 1)
		assert.ErrorIs(t, err, ErrLinkNotFound)
	})

	t.Run("counter and event commit together", func(t *testing.T) {
		svc := setupService(t)

		_, err := svc.CreateShortLink(ctx, "abc", "https://example.com", "alice")
		require.NoError(t, err)

		meta := models.ClickMetadata{
			SourceAddr: "203.0.113.7",
			UserAgent:  "curl/8.0",
			Country:    "DE",
		}

		event, err := svc.RecordClick(ctx, "abc", meta)
		require.NoError(t, err)
		assert.Equal(t, int64(1), event.Sequence)

		link, err := svc.GetByCode(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, int64(1), link.ClickCount)

		got, err := svc.GetClickEvent(ctx, "abc", 1)
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.7", got.SourceAddr)
		assert.Equal(t, "curl/8.0", got.UserAgent)
		assert.Equal(t, "DE", got.Country)
	})

	t.Run("missing metadata defaults to unknown", func(t *testing.T) {
		svc := setupService(t)

		_, err := svc.CreateShortLink(ctx, "abc", "https://example.com", "alice")
		require.NoError(t, err)

		_, err = svc.RecordClick(ctx, "abc", models.ClickMetadata{})
		require.NoError(t, err)

		event, err := svc.GetClickEvent(ctx, "abc", 1)
		require.NoError(t, err)
		assert.Equal(t, models.UnknownValue, event.SourceAddr)
		assert.Equal(t, models.UnknownValue, event.UserAgent)
		assert.Equal(t, models.UnknownValue, event.Country)
	})

	t.Run("sequence numbers are dense", func(t *testing.T) {
		svc := setupService(t)

		_, err := svc.CreateShortLink(ctx, "abc", "https://example.com", "alice")
		require.NoError(t, err)

		for want := int64(1); want <= 5; want++ {
			event, err := svc.RecordClick(ctx, "abc", models.ClickMetadata{})
			require.NoError(t, err)
			assert.Equal(t, want, event.Sequence)
		}
	})
}

func TestShortLinkService_RecordClick_Concurrent(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	_, err := svc.CreateShortLink(ctx, "abc", "https://example.com", "alice")
	require.NoError(t, err)

	const clicks = 20
	results := make(chan error, clicks)

	var g errgroup.Group
	for i := 0; i < clicks; i++ {
		g.Go(func() error {
			_, err := svc.RecordClick(ctx, "abc", models.ClickMetadata{})
			results <- err
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	var recorded int64
	for err := range results {
		if err == nil {
			recorded++
			continue
		}
		assert.ErrorIs(t, err, ErrClickConflict)
	}

	link, err := svc.GetByCode(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, recorded, link.ClickCount)

	// Every sequence number up to the final count exists exactly once,
	// and nothing was written past it.
	for seq := int64(1); seq <= link.ClickCount; seq++ {
		event, err := svc.GetClickEvent(ctx, "abc", seq)
		require.NoError(t, err)
		assert.Equal(t, seq, event.Sequence)
	}
	_, err = svc.GetClickEvent(ctx, "abc", link.ClickCount+1)
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestShortLinkService_Subscribe(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	_, err := svc.CreateShortLink(ctx, "abc", "https://example.com", "alice")
	require.NoError(t, err)

	sub := svc.Subscribe("abc")
	defer sub.Cancel()

	const clicks = 3
	for i := 0; i < clicks; i++ {
		_, err := svc.RecordClick(ctx, "abc", models.ClickMetadata{})
		require.NoError(t, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	for i := 0; i < clicks; i++ {
		require.True(t, sub.Next(waitCtx))
	}

	// Clicks on other codes do not notify this feed.
	_, err = svc.CreateShortLink(ctx, "def", "https://example.org", "alice")
	require.NoError(t, err)
	_, err = svc.RecordClick(ctx, "def", models.ClickMetadata{})
	require.NoError(t, err)

	shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()
	assert.False(t, sub.Next(shortCtx))

	sub.Cancel()
	assert.False(t, sub.Next(ctx))
}
