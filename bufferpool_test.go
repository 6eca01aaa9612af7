package rmwadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPool_GetReturnsRequestedLength(t *testing.T) {
	bp := newBufferPool(0)
	buf := bp.get(128)
	require.Len(t, buf, 128)
}

func TestBufferPool_GetAfterPutReturnsRequestedLength(t *testing.T) {
	bp := newBufferPool(0)
	buf := bp.get(64)
	for i := range buf {
		buf[i] = 0xAB
	}
	bp.put(buf)

	reused := bp.get(32)
	require.Len(t, reused, 32)
}

func TestSHMProvider_ShouldUseRespectsThresholdAndEnabled(t *testing.T) {
	sp := newSHMProvider(true, 1024)
	require.False(t, sp.shouldUse(100))
	require.True(t, sp.shouldUse(2048))

	disabled := newSHMProvider(false, 1024)
	require.False(t, disabled.shouldUse(2048))
}

func TestSHMProvider_AllocFailsWhenDisabled(t *testing.T) {
	sp := newSHMProvider(false, 1024)
	_, err := sp.alloc(2048)
	require.ErrorIs(t, err, ErrAllocation)
}

func TestSHMProvider_AllocReturnsSlabOfRequestedSize(t *testing.T) {
	sp := newSHMProvider(true, 0)
	slab, err := sp.alloc(256)
	require.NoError(t, err)
	require.Len(t, slab.buf, 256)
	sp.release(slab)
}
