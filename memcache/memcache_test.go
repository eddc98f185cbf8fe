package memcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDel(t *testing.T) {
	cache := New[string]()

	_, found := cache.Get("example.com")
	assert.False(t, found)

	cache.Set("example.com", "zone1")
	got, found := cache.Get("example.com")
	require.True(t, found)
	assert.Equal(t, "zone1", got)
	assert.Equal(t, []string{"example.com"}, cache.Keys())

	cache.Set("example.com", "zone2")
	got, _ = cache.Get("example.com")
	assert.Equal(t, "zone2", got)

	cache.Del("example.com")
	_, found = cache.Get("example.com")
	assert.False(t, found)
	assert.Empty(t, cache.Keys())
}

func TestTypedValues(t *testing.T) {
	cache := New[int]()
	cache.Set("hits", 3)
	got, found := cache.Get("hits")
	require.True(t, found)
	assert.Equal(t, 3, got)
}

func TestConcurrentAccess(t *testing.T) {
	cache := New[string]()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Set("example.com", "zone1")
			cache.Get("example.com")
			cache.Keys()
		}()
	}
	wg.Wait()

	got, found := cache.Get("example.com")
	require.True(t, found)
	assert.Equal(t, "zone1", got)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Del("example.com")
		}()
	}
	wg.Wait()

	_, found = cache.Get("example.com")
	assert.False(t, found)
}
