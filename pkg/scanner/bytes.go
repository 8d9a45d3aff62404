// Package scanner pulls single fields out of small JSON payloads
// without allocating. It is not a JSON parser: callers pass the quoted
// key and get the raw value bytes back.
package scanner

import "bytes"

var (
	litTrue  = []byte("true")
	litFalse = []byte("false")
)

// ScanUintField returns the unsigned integer value of key.
func ScanUintField(payload, key []byte) (uint64, bool) {
	i := valueStart(payload, key)
	if i < 0 || payload[i] < '0' || payload[i] > '9' {
		return 0, false
	}
	var v uint64
	for ; i < len(payload) && payload[i] >= '0' && payload[i] <= '9'; i++ {
		v = v*10 + uint64(payload[i]-'0')
	}
	return v, true
}

// ScanStringField returns the bytes between the quotes of key's
// string value. Escapes are not handled.
func ScanStringField(payload, key []byte) ([]byte, bool) {
	i := valueStart(payload, key)
	if i < 0 || payload[i] != '"' {
		return nil, false
	}
	i++
	end := bytes.IndexByte(payload[i:], '"')
	if end < 0 {
		return nil, false
	}
	return payload[i : i+end], true
}

// ScanBoolField returns the boolean value of key.
func ScanBoolField(payload, key []byte) (bool, bool) {
	i := valueStart(payload, key)
	switch {
	case i < 0:
		return false, false
	case bytes.HasPrefix(payload[i:], litTrue):
		return true, true
	case bytes.HasPrefix(payload[i:], litFalse):
		return false, true
	}
	return false, false
}

// valueStart locates the first byte of key's value: after the key
// match, the next ':', and any whitespace. It returns -1 when the key
// is missing or the payload ends first.
func valueStart(payload, key []byte) int {
	idx := IndexOf(payload, key)
	if idx < 0 {
		return -1
	}
	i := idx + len(key)
	for i < len(payload) && payload[i] != ':' {
		i++
	}
	i++
	for i < len(payload) && IsSpace(payload[i]) {
		i++
	}
	if i >= len(payload) {
		return -1
	}
	return i
}

// IndexOf reports the first occurrence of key in payload, -1 when
// absent. Empty keys never match.
func IndexOf(payload, key []byte) int {
	if len(key) == 0 {
		return -1
	}
	return bytes.Index(payload, key)
}

// BytesContains reports whether needle occurs in haystack.
func BytesContains(haystack, needle []byte) bool {
	return bytes.Contains(haystack, needle)
}

// IsSpace reports JSON insignificant whitespace.
func IsSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
