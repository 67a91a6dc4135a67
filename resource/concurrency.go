package resource

import "errors"

// ErrConcurrencyConflict is returned by Driver.Update/Delete when a
// caller-supplied Precondition no longer matches the row at the moment
// the guarded write executes — another writer won the race between the
// handler's read and its write. mutate.go re-fetches the row to report
// an accurate current ETag rather than the stale one the caller sent.
var ErrConcurrencyConflict = errors.New("resource: concurrency conflict")

// Precondition pins a write to a column value observed before the write
// began. A Driver must fold it into the same statement that performs the
// write (compared against the live row in the UPDATE/DELETE's WHERE
// clause and checked via rows-affected), not as a separate SELECT before
// the write — only the statement that actually mutates the row can catch
// a concurrent winner atomically.
type Precondition struct {
	Field string // Descriptor field name, not the underlying SQL column
	Value any    // value observed at precondition-build time
	Bump  bool   // tier-2 version field: the driver must also increment it as part of the same write
}

// buildPrecondition derives the CAS precondition implied by an If-Match
// header against existing, following the same tier order ResolveETag
// uses: a configured EtagField is an opaque caller-managed value compared
// as-is; a configured VersionField is a framework-managed counter the
// driver bumps on write. Tier 3 (content hash) has no backing column, so
// no Precondition can be built for it — the ResolveETag/MatchesIfMatch
// check in mutate.go remains the only enforcement when neither field is
// configured, same as before this existed.
func (d *Descriptor) buildPrecondition(ifMatch string, existing Record) *Precondition {
	if ifMatch == "" || ifMatch == "*" {
		return nil
	}
	switch {
	case d.EtagField != "":
		return &Precondition{Field: d.EtagField, Value: existing[d.EtagField]}
	case d.VersionField != "":
		return &Precondition{Field: d.VersionField, Value: existing[d.VersionField], Bump: true}
	default:
		return nil
	}
}
