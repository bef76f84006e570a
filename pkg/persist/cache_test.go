package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanglechat/tangle/pkg/conversation"
)

func TestStreamCache_SetGetDelete(t *testing.T) {
	cache := NewStreamCache(WithCacheTTL(time.Minute))
	defer cache.Close()

	id := conversation.NewMessageID()
	cache.Set(id, Snapshot{Content: "partial"})

	got, ok := cache.Get(id)
	require.True(t, ok)
	assert.Equal(t, "partial", got.Content)

	cache.Set(id, Snapshot{Content: "partial and more"})
	got, ok = cache.Get(id)
	require.True(t, ok)
	assert.Equal(t, "partial and more", got.Content)

	cache.Delete(id)
	_, ok = cache.Get(id)
	assert.False(t, ok)
}

func TestStreamCache_ExpiredEntriesInvisible(t *testing.T) {
	cache := NewStreamCache(WithCacheTTL(10 * time.Millisecond))
	defer cache.Close()

	id := conversation.NewMessageID()
	cache.Set(id, Snapshot{Content: "soon gone"})

	time.Sleep(30 * time.Millisecond)
	_, ok := cache.Get(id)
	assert.False(t, ok)
}

func TestStreamCache_LRUBound(t *testing.T) {
	cache := NewStreamCache(WithCacheTTL(time.Minute), WithMaxEntries(3))
	defer cache.Close()

	first := conversation.NewMessageID()
	cache.Set(first, Snapshot{Content: "oldest"})
	time.Sleep(time.Millisecond)
	for i := 0; i < 3; i++ {
		cache.Set(conversation.NewMessageID(), Snapshot{})
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, 3, cache.Len())
	_, ok := cache.Get(first)
	assert.False(t, ok)
}
