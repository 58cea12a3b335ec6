package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/atlasmap-sc/cellucid/internal/model"
)

// Key identifies one cached result. It is comparable and safe to use as a map
// key; PageSet is a length-prefixed encoding so page ids may contain any
// character.
type Key struct {
	Type     model.VariableType
	Variable string
	PageSet  string
	Digest   uint64
}

// NewKey builds a key for the given variable and pages. Page ids are sorted
// and deduplicated.
func NewKey(t model.VariableType, variable string, pageIDs []string, digest uint64) Key {
	return Key{
		Type:     t,
		Variable: variable,
		PageSet:  EncodePageSet(pageIDs),
		Digest:   digest,
	}
}

// SortedUnique returns the sorted, deduplicated page ids.
func SortedUnique(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	w := 0
	for i, id := range out {
		if i == 0 || id != out[w-1] {
			out[w] = id
			w++
		}
	}
	return out[:w]
}

// EncodePageSet returns the canonical encoding of a set of page ids.
func EncodePageSet(ids []string) string {
	var b strings.Builder
	for _, id := range SortedUnique(ids) {
		b.WriteString(strconv.Itoa(len(id)))
		b.WriteByte(':')
		b.WriteString(id)
	}
	return b.String()
}

// DecodePageSet reverses EncodePageSet.
func DecodePageSet(s string) []string {
	var out []string
	for len(s) > 0 {
		colon := strings.IndexByte(s, ':')
		if colon <= 0 {
			return out
		}
		n, err := strconv.Atoi(s[:colon])
		if err != nil || colon+1+n > len(s) {
			return out
		}
		out = append(out, s[colon+1:colon+1+n])
		s = s[colon+1+n:]
	}
	return out
}

// PageIDs returns the sorted page ids of the key.
func (k Key) PageIDs() []string {
	return DecodePageSet(k.PageSet)
}

// References reports whether the key involves the given page.
func (k Key) References(pageID string) bool {
	for _, id := range k.PageIDs() {
		if id == pageID {
			return true
		}
	}
	return false
}

// String renders the key for logs.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:v=%016x", k.Type, k.Variable, strings.Join(k.PageIDs(), ","), k.Digest)
}

// ID returns an unambiguous string form of the key, suitable for string-keyed
// maps and singleflight groups.
func (k Key) ID() string {
	var b strings.Builder
	for _, part := range []string{string(k.Type), k.Variable, k.PageSet} {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	b.WriteString(strconv.FormatUint(k.Digest, 16))
	return b.String()
}
