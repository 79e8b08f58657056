// Package scanner reads fields out of JSON-like bytes without decoding them, for bodies that a
// strict decoder rejected.
package scanner

// StringField returns the first string value of key "name" in payload.
// Values containing escapes are rejected since they cannot be returned unmodified.
func StringField(payload []byte, name string) (string, bool) {
	key := make([]byte, 0, len(name)+2)
	key = append(key, '"')
	key = append(key, name...)
	key = append(key, '"')

	for from := 0; from < len(payload); {
		idx := IndexOf(payload[from:], key)
		if idx < 0 {
			return "", false
		}
		i := from + idx + len(key)
		from = i

		i = skipSpace(payload, i)
		if i >= len(payload) || payload[i] != ':' {
			continue
		}
		i = skipSpace(payload, i+1)
		if i >= len(payload) || payload[i] != '"' {
			return "", false
		}
		i++
		start := i
		for i < len(payload) && payload[i] != '"' {
			if payload[i] == '\\' {
				return "", false
			}
			i++
		}
		if i >= len(payload) {
			return "", false
		}
		return string(payload[start:i]), true
	}
	return "", false
}

func skipSpace(payload []byte, i int) int {
	for i < len(payload) && IsSpace(payload[i]) {
		i++
	}
	return i
}

// IndexOf is the offset of the first occurrence of key in payload, or -1.
func IndexOf(payload []byte, key []byte) int {
	if len(key) == 0 || len(payload) < len(key) {
		return -1
	}
outer:
	for i := 0; i <= len(payload)-len(key); i++ {
		for j := 0; j < len(key); j++ {
			if payload[i+j] != key[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

func IsSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
