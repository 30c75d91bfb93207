package buffer

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestNewRingBuffer(t *testing.T) {
	assert.Equal(t, 100, NewRingBuffer(100).Cap())
	assert.Equal(t, 1, NewRingBuffer(0).Cap())
	assert.Equal(t, 1, NewRingBuffer(-5).Cap())
	assert.Nil(t, NewRingBuffer(8).Bytes())
}

func TestRingBuffer_Write(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		writes   []string
		want     string
		dropped  int64
	}{
		{name: "fits", capacity: 10, writes: []string{"abc", "def"}, want: "abcdef"},
		{name: "exactly full", capacity: 6, writes: []string{"abc", "def"}, want: "abcdef"},
		{name: "overflow", capacity: 5, writes: []string{"abc", "def"}, want: "bcdef", dropped: 1},
		{name: "wraps twice", capacity: 4, writes: []string{"abc", "def", "gh"}, want: "efgh", dropped: 4},
		{name: "larger than capacity", capacity: 3, writes: []string{"ab", "cdefg"}, want: "efg", dropped: 4},
		{name: "empty write", capacity: 3, writes: []string{"ab", ""}, want: "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer(tt.capacity)
			for _, w := range tt.writes {
				n, err := rb.Write([]byte(w))
				assert.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.want, rb.String())
			assert.Equal(t, len(tt.want), rb.Len())
			assert.Equal(t, tt.dropped, rb.Dropped())
		})
	}
}

func TestRingBuffer_SkipsPartialRune(t *testing.T) {
	rb := NewRingBuffer(5)
	rb.Write([]byte("a"))
	rb.Write([]byte("€€")) // 6 bytes, the first rune loses its lead byte

	assert.Equal(t, "€", rb.String())
	assert.Equal(t, 5, rb.Len())
}

func TestRingBuffer_BytesIsACopy(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("hello"))

	out := rb.Bytes()
	out[0] = 'J'
	assert.Equal(t, "hello", rb.String())
}

func TestRingBuffer_Reset(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Write([]byte("abcdef"))
	rb.Reset()

	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, int64(0), rb.Dropped())
	assert.Nil(t, rb.Bytes())

	rb.Write([]byte("xy"))
	assert.Equal(t, "xy", rb.String())
}

// Property: the buffer always holds the tail of everything written, minus at
// most a partial rune at the front, and valid input stays valid UTF-8.
func TestRingBufferTailProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("retains the valid tail of the stream", prop.ForAll(
		func(chunks []string, capacity int) bool {
			rb := NewRingBuffer(capacity)
			var all bytes.Buffer
			for _, c := range chunks {
				rb.Write([]byte(c))
				all.WriteString(c)
			}

			stream := all.Bytes()
			tail := stream
			if len(tail) > capacity {
				tail = tail[len(tail)-capacity:]
			}
			got := rb.Bytes()

			if !bytes.HasSuffix(tail, got) || len(tail)-len(got) >= utf8.UTFMax {
				return false
			}
			return utf8.Valid(got)
		},
		gen.SliceOf(gen.AnyString()),
		gen.IntRange(1, 64),
	))

	properties.Property("ascii is never trimmed", prop.ForAll(
		func(chunks []string, capacity int) bool {
			rb := NewRingBuffer(capacity)
			all := strings.Join(chunks, "")
			for _, c := range chunks {
				rb.Write([]byte(c))
			}
			want := all
			if len(want) > capacity {
				want = want[len(want)-capacity:]
			}
			return rb.String() == want
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
