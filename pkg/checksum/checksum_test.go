package checksum

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestMatchesOf(t *testing.T) {
	data := bytes.Repeat([]byte("segment"), 1000)

	d := New()
	for off := 0; off < len(data); off += 333 {
		end := min(off+333, len(data))
		_, err := d.Write(data[off:end])
		require.NoError(t, err)
	}

	assert.Equal(t, Of(data), d.Sum())
}

func TestSumDiffersOnContent(t *testing.T) {
	a := Of([]byte("a"))
	b := Of([]byte("b"))
	assert.NotEqual(t, a.Strong, b.Strong)
	assert.NotEqual(t, a.Weak, b.Weak)
	assert.False(t, a.IsZero())
	assert.True(t, Sum{}.IsZero())
}
