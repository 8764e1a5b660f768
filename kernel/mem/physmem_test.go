package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPhysicalMemory(t *testing.T) {
	for _, size := range []Size{0, PageSize + 1} {
		_, err := NewPhysicalMemory(size)
		assert.Equal(t, errPhysMemInvalid, err, "size %d", size)
	}

	pm, err := NewPhysicalMemory(16 * PageSize)
	require.Nil(t, err)
	defer func() { require.NoError(t, pm.Release()) }()

	assert.Equal(t, 16*PageSize, pm.Size())

	buf, err := pm.Slice(0, pm.Size())
	require.Nil(t, err)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("expected fresh RAM image to be zero-filled; byte %d is 0x%x", i, b)
		}
	}
}

func TestPhysicalMemoryAccess(t *testing.T) {
	pm, err := NewPhysicalMemory(4 * PageSize)
	require.Nil(t, err)
	defer func() { _ = pm.Release() }()

	require.Nil(t, pm.PutUint32(0x1004, 0xdeadbeef))
	got, err := pm.Uint32(0x1004)
	require.Nil(t, err)
	assert.Equal(t, uint32(0xdeadbeef), got)

	raw, err := pm.Slice(0x1004, 4)
	require.Nil(t, err)
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, raw, "values must be stored little-endian")

	require.Nil(t, pm.ClearFrame(Frame(1)))
	got, _ = pm.Uint32(0x1004)
	assert.Equal(t, uint32(0), got)

	t.Run("out of range", func(t *testing.T) {
		_, err := pm.Slice(uintptr(4*PageSize)-2, 4)
		assert.Equal(t, errPhysMemOutOfRange, err)

		_, err = pm.Uint32(uintptr(4 * PageSize))
		assert.Equal(t, errPhysMemOutOfRange, err)

		assert.Equal(t, errPhysMemOutOfRange, pm.PutUint32(^uintptr(0)-1, 1))
		assert.Equal(t, errPhysMemOutOfRange, pm.ClearFrame(Frame(4)))
		assert.False(t, pm.Contains(^uintptr(0), 2))
	})
}

func TestPhysicalMemoryRelease(t *testing.T) {
	pm, err := NewPhysicalMemory(PageSize)
	require.Nil(t, err)

	require.NoError(t, pm.Release())
	require.NoError(t, pm.Release(), "releasing twice must be a no-op")
	assert.Equal(t, Size(0), pm.Size())
}
