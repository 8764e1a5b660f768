package mem

import (
	"testing"

	"github.com/reekid420/os/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLayout(t *testing.T) {
	l := DefaultLayout()
	require.Nil(t, l.Validate())

	assert.Equal(t, 16*Mb, l.KernelIdentitySize)
	assert.Equal(t, uintptr(0xD0000000), l.HeapStart)
	assert.Equal(t, 1*Mb, l.HeapInitialSize)
}

func TestLayoutApplyCmdLine(t *testing.T) {
	l := DefaultLayout()
	err := l.ApplyCmdLine(map[string]string{
		"kheap_start":   "0xc0000000",
		"kheap_size":    "2M",
		"identity_size": "8M",
		"video_addr":    "753664",
		"quiet":         "quiet",
	})
	require.Nil(t, err)

	assert.Equal(t, uintptr(0xc0000000), l.HeapStart)
	assert.Equal(t, 2*Mb, l.HeapInitialSize)
	assert.Equal(t, 8*Mb, l.KernelIdentitySize)
	assert.Equal(t, uintptr(0xB8000), l.VideoBufferAddr)
	assert.Nil(t, l.Validate())

	t.Run("malformed values", func(t *testing.T) {
		for _, kv := range []map[string]string{
			{"kheap_size": "lots"},
			{"kheap_start": "0x1ffffffff"},
			{"video_addr": "vga"},
		} {
			l := DefaultLayout()
			assert.Equal(t, errLayoutBadValue, l.ApplyCmdLine(kv), "%v", kv)
		}
	})
}

func TestLayoutValidate(t *testing.T) {
	specs := []struct {
		name   string
		mutate func(*Layout)
		expErr *kernel.Error
	}{
		{"unaligned heap start", func(l *Layout) { l.HeapStart += 4 }, errLayoutUnaligned},
		{"unaligned heap size", func(l *Layout) { l.HeapInitialSize += 1 }, errLayoutUnaligned},
		{"unaligned identity size", func(l *Layout) { l.KernelIdentitySize -= 1 }, errLayoutUnaligned},
		{"zero heap size", func(l *Layout) { l.HeapInitialSize = 0 }, errLayoutHeapSize},
		{"heap larger than max", func(l *Layout) { l.HeapInitialSize = 2 * l.HeapMaxSize }, errLayoutHeapSize},
		{"heap past 4G", func(l *Layout) { l.HeapStart = 0xF8000000 }, errLayoutRange},
		{"heap inside identity region", func(l *Layout) { l.HeapStart = 0x400000 }, errLayoutOverlap},
		{"heap inside reserved window", func(l *Layout) { l.HeapStart = 0x1800000 }, errLayoutOverlap},
		{"heap over video buffer", func(l *Layout) {
			l.KernelIdentitySize = 0
			l.HeapStart = 0xB0000
			l.HeapMaxSize = 64 * Kb
			l.HeapInitialSize = 64 * Kb
		}, errLayoutOverlap},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			l := DefaultLayout()
			spec.mutate(&l)
			assert.Equal(t, spec.expErr, l.Validate())
		})
	}
}
