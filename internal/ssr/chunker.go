package ssr

import (
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxChunkSize bounds the URL-escaped size of one cookie value, leaving
// room for the name and attributes under the 4096 byte browser limit.
const MaxChunkSize = 3180

// chunk is one cookie of a possibly split value.
type chunk struct {
	name  string
	value string
}

// createChunks splits value into cookies named key, or key.0, key.1, ...
// when its escaped form exceeds size.
func createChunks(key, value string, size int) []chunk {
	if escapedLen(value) <= size {
		return []chunk{{name: key, value: value}}
	}

	var chunks []chunk
	var current strings.Builder
	currentLen := 0

	for _, r := range value {
		rl := escapedLen(string(r))
		if currentLen+rl > size && current.Len() > 0 {
			chunks = append(chunks, chunk{name: chunkName(key, len(chunks)), value: current.String()})
			current.Reset()
			currentLen = 0
		}
		current.WriteRune(r)
		currentLen += rl
	}
	if current.Len() > 0 {
		chunks = append(chunks, chunk{name: chunkName(key, len(chunks)), value: current.String()})
	}
	return chunks
}

// combineChunks reassembles a value stored under key or key.0..key.N.
func combineChunks(key string, lookup func(name string) (string, bool)) (string, bool) {
	if v, ok := lookup(key); ok {
		return v, true
	}

	var b strings.Builder
	found := false
	for i := 0; ; i++ {
		v, ok := lookup(chunkName(key, i))
		if !ok {
			break
		}
		b.WriteString(v)
		found = true
	}
	return b.String(), found
}

// isChunkOf reports whether name is key itself or one of its numbered chunks.
func isChunkOf(key, name string) bool {
	if name == key {
		return true
	}
	suffix, ok := strings.CutPrefix(name, key+".")
	if !ok {
		return false
	}
	_, err := strconv.Atoi(suffix)
	return err == nil
}

func chunkName(key string, i int) string {
	return key + "." + strconv.Itoa(i)
}

func escapedLen(s string) int {
	if !utf8.ValidString(s) {
		return len(s) * 3
	}
	return len(url.QueryEscape(s))
}
