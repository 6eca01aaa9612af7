package rmwadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisher_SequenceStartsAtOneAndIsMonotonic(t *testing.T) {
	p := &Publisher{}
	require.Equal(t, int64(1), p.seq.Add(1))
	require.Equal(t, int64(2), p.seq.Add(1))
	require.Equal(t, int64(3), p.seq.Add(1))
}

func TestPublisher_CacheCapsAtDepth(t *testing.T) {
	p := &Publisher{tq: TransportQoS{CacheDepth: 2}}

	for i := 0; i < 5; i++ {
		p.mu.Lock()
		p.cache = append(p.cache, pubCacheEntry{payload: []byte{byte(i)}})
		if len(p.cache) > p.tq.CacheDepth {
			p.cache = p.cache[len(p.cache)-p.tq.CacheDepth:]
		}
		p.mu.Unlock()
	}

	entries := p.serveHistorical()
	require.Len(t, entries, 2)
	require.Equal(t, []byte{3}, entries[0].payload)
	require.Equal(t, []byte{4}, entries[1].payload)
}

func TestPublisher_IsClosedReflectsShutdownFlag(t *testing.T) {
	p := &Publisher{}
	require.False(t, p.isClosed())
	p.closed = true
	require.True(t, p.isClosed())
}

func TestPublisher_PublishSerializedRejectsAfterShutdown(t *testing.T) {
	p := &Publisher{closed: true}
	require.ErrorIs(t, p.PublishSerialized(context.Background(), []byte("x")), ErrShutdown)
}

func TestPublisher_ServeHistoricalReturnsACopy(t *testing.T) {
	p := &Publisher{cache: []pubCacheEntry{{payload: []byte("a")}}}
	out := p.serveHistorical()
	out[0].payload[0] = 'b'
	require.Equal(t, byte('a'), p.cache[0].payload[0], "serveHistorical must not expose the live cache slice")
}
