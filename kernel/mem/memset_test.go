package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemset(t *testing.T) {
	// memset with a 0 size should be a no-op
	Memset(nil, 0x00)

	for pageCount := uint32(1); pageCount <= 10; pageCount++ {
		buf := make([]byte, PageSize<<pageCount)
		for i := 0; i < len(buf); i++ {
			buf[i] = 0xFE
		}

		Memset(buf, 0x00)

		for i := 0; i < len(buf); i++ {
			if buf[i] != 0x00 {
				t.Fatalf("[block with %d pages] expected byte: %d to be 0x00; got 0x%x", pageCount, i, buf[i])
			}
		}
	}

	odd := []byte{1, 2, 3, 4, 5, 6, 7}
	Memset(odd, 0xAA)
	assert.Equal(t, []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}, odd)
}
