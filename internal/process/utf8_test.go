package process

import (
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // 3 bytes

	tests := []struct {
		name     string
		pending  []byte
		chunk    []byte
		wantText string
		wantRest []byte
	}{
		{"ascii", nil, []byte("abc"), "abc", nil},
		{"truncated rune held", nil, append([]byte("a"), euro[:2]...), "a", euro[:2]},
		{"completed from pending", euro[:2], append(euro[2:], 'b'), "€b", nil},
		{"invalid byte passes", nil, []byte{'a', 0xff}, "a\xff", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, rest := splitUTF8(tt.pending, tt.chunk)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if string(rest) != string(tt.wantRest) {
				t.Errorf("rest = %q, want %q", rest, tt.wantRest)
			}
		})
	}
}

// Property: splitting a valid UTF-8 stream at arbitrary byte offsets neither
// loses nor reorders bytes, and never yields a broken rune.
func TestSplitUTF8Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("chunked stream reassembles to the original", prop.ForAll(
		func(s string, step int) bool {
			data := []byte(s)
			var out []byte
			var pending []byte
			for i := 0; i < len(data); i += step {
				end := i + step
				if end > len(data) {
					end = len(data)
				}
				var text string
				text, pending = splitUTF8(pending, data[i:end])
				if !utf8.ValidString(text) {
					return false
				}
				out = append(out, text...)
			}
			out = append(out, pending...)
			return string(out) == s
		},
		gen.AnyString(),
		gen.IntRange(1, 7),
	))

	properties.TestingRun(t)
}
