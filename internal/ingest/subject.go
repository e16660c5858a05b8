package ingest

import (
	"strconv"
	"strings"
)

// CompletionSubject returns the subject completions for a core are
// published on: {prefix}.completions.{cache}.{core}.
func CompletionSubject(prefix, cache string, core uint16) string {
	return prefix + ".completions." + cache + "." + strconv.FormatUint(uint64(core), 10)
}

// ParseCompletionSubject extracts the cache and core id from a completion
// subject. Returns cache, core, ok.
func ParseCompletionSubject(prefix, subject string) (cache string, core uint16, ok bool) {
	rest, found := strings.CutPrefix(subject, prefix+".completions.")
	if !found {
		return "", 0, false
	}
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return "", 0, false
	}
	id, err := strconv.ParseUint(rest[dot+1:], 10, 16)
	if err != nil {
		return "", 0, false
	}
	cache = rest[:dot]
	if strings.Contains(cache, ".") {
		return "", 0, false
	}
	return cache, uint16(id), true
}
