package resource

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ResolveETag implements the three-tier resolution order from §4.2: a
// configured etagField wins as a strong ETag, else a configured
// versionField produces a weak `W/"<id>:<version>"` tag, else a weak tag
// over the md5 of the row's canonical (key-sorted) JSON encoding.
func (d *Descriptor) ResolveETag(record Record) string {
	if d.EtagField != "" {
		if v, ok := record[d.EtagField]; ok {
			return fmt.Sprintf("%q", fmt.Sprint(v))
		}
	}
	if d.VersionField != "" {
		id := record[d.IDField]
		version := record[d.VersionField]
		return fmt.Sprintf(`W/"%v:%v"`, id, version)
	}
	return fmt.Sprintf(`W/"%s"`, canonicalHash(record))
}

// canonicalHash returns the hex md5 of record's fields in sorted-key
// order, so two structurally-identical records (built independently, e.g.
// map literal vs. driver scan) always hash the same.
func canonicalHash(record Record) string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, record[k])
	}
	raw, err := json.Marshal(ordered)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", record))
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// MatchesIfMatch implements the If-Match comparison: "*" matches any
// existing record; a quoted ETag must match exactly; an absent header (the
// caller should skip calling this entirely) means no check.
func MatchesIfMatch(ifMatch, currentETag string) bool {
	if ifMatch == "*" {
		return true
	}
	return ifMatch == currentETag
}
