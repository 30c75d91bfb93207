package process

import "unicode/utf8"

// splitUTF8 joins pending with chunk and returns the longest prefix that does
// not end inside a multi-byte rune, plus the incomplete tail to carry over.
// Invalid sequences are passed through; only a truncated final rune is held.
func splitUTF8(pending, chunk []byte) (string, []byte) {
	data := chunk
	if len(pending) > 0 {
		data = append(append([]byte(nil), pending...), chunk...)
	}

	cut := len(data)
	// A rune is at most utf8.UTFMax bytes, so only the tail needs checking.
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if !utf8.FullRune(data[i:]) {
			cut = i
		}
		break
	}

	var rest []byte
	if cut < len(data) {
		rest = append([]byte(nil), data[cut:]...)
	}
	return string(data[:cut]), rest
}
