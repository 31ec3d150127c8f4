package core

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies a logical request: the operation name plus its
// normalized parameters. Two calls with the same parameters in any order
// produce the same Fingerprint.
type Fingerprint string

// NewFingerprint builds the canonical fingerprint for op and params.
// Keys are sorted and both keys and values are query-escaped, so values
// containing separators cannot collide with other parameter sets.
func NewFingerprint(op string, params map[string]string) Fingerprint {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(op)
	b.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return Fingerprint(b.String())
}

// Op returns the operation name component.
func (f Fingerprint) Op() string {
	op, _, _ := strings.Cut(string(f), ":")
	return op
}

// Digest returns a fixed-width hash suitable for storage keys.
func (f Fingerprint) Digest() string {
	return strconv.FormatUint(xxhash.Sum64String(string(f)), 16)
}

func (f Fingerprint) String() string {
	return string(f)
}
