package resource

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// CursorVersion is bumped whenever the encoded cursor payload's shape
// changes, so a cursor minted by an older build fails decoding cleanly
// instead of silently misinterpreting bytes (§4.2 "cursors are not
// portable across schema changes").
const CursorVersion = 1

// Cursor is the decoded form of an opaque keyset pagination token: for
// each order key (plus the primary key as a last-resort tiebreak), the
// value observed on the boundary row.
type Cursor struct {
	Version    int            `json:"v"`
	OrderBy    []OrderKey     `json:"o"`
	LastValues map[string]any `json:"l"`
	Direction  string         `json:"d"` // "asc" or "desc", the scan direction this cursor continues
}

// EncodeCursor serializes c into an opaque base64url string using the
// wire format: a version byte, a direction byte, a varint order-key
// count, then one (field name, desc flag) pair per key, then one
// length-prefixed JSON value per key (in the same order), each value
// taken from c.LastValues[key.Field]. JSON per-value keeps the envelope
// a fixed byte/varint layout while still handling any comparable scalar
// a driver might return (string, number, bool, null) without a
// reflection-based binary encoder.
func EncodeCursor(c Cursor) (string, error) {
	c.Version = CursorVersion

	var buf bytes.Buffer
	buf.WriteByte(byte(c.Version))
	buf.WriteByte(directionByte(c.Direction))

	var varint [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varint[:], uint64(len(c.OrderBy)))
	buf.Write(varint[:n])

	for _, k := range c.OrderBy {
		writeLenPrefixed(&buf, []byte(k.Field))
		if k.Desc {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	for _, k := range c.OrderBy {
		valueJSON, err := json.Marshal(c.LastValues[k.Field])
		if err != nil {
			return "", fmt.Errorf("resource: encoding cursor: %w", err)
		}
		writeLenPrefixed(&buf, valueJSON)
	}

	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf.Bytes()), nil
}

// DecodeCursor parses an opaque cursor string, rejecting a version
// mismatch or an orderBy that doesn't match the current request's orderBy
// (§4.2: "the client must either reuse the prior orderBy or drop the
// cursor").
func DecodeCursor(s string, wantOrderBy []OrderKey) (Cursor, error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("resource: invalid cursor encoding: %w", err)
	}

	r := bytes.NewReader(raw)
	version, err := r.ReadByte()
	if err != nil {
		return Cursor{}, fmt.Errorf("resource: invalid cursor payload: %w", err)
	}
	if int(version) != CursorVersion {
		return Cursor{}, fmt.Errorf("resource: cursor version %d unsupported (want %d)", version, CursorVersion)
	}
	directionByteVal, err := r.ReadByte()
	if err != nil {
		return Cursor{}, fmt.Errorf("resource: invalid cursor payload: %w", err)
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return Cursor{}, fmt.Errorf("resource: invalid cursor payload: %w", err)
	}

	orderBy := make([]OrderKey, count)
	for i := range orderBy {
		name, err := readLenPrefixed(r)
		if err != nil {
			return Cursor{}, fmt.Errorf("resource: invalid cursor payload: %w", err)
		}
		descByte, err := r.ReadByte()
		if err != nil {
			return Cursor{}, fmt.Errorf("resource: invalid cursor payload: %w", err)
		}
		orderBy[i] = OrderKey{Field: string(name), Desc: descByte != 0}
	}

	lastValues := make(map[string]any, count)
	for _, k := range orderBy {
		valueJSON, err := readLenPrefixed(r)
		if err != nil {
			return Cursor{}, fmt.Errorf("resource: invalid cursor payload: %w", err)
		}
		var v any
		if err := json.Unmarshal(valueJSON, &v); err != nil {
			return Cursor{}, fmt.Errorf("resource: invalid cursor value: %w", err)
		}
		lastValues[k.Field] = v
	}

	c := Cursor{
		Version:    int(version),
		OrderBy:    orderBy,
		LastValues: lastValues,
		Direction:  directionFromByte(directionByteVal),
	}
	if !orderByMatches(c.OrderBy, wantOrderBy) {
		return Cursor{}, fmt.Errorf("resource: cursor orderBy does not match the request's orderBy")
	}
	return c, nil
}

func directionByte(direction string) byte {
	if direction == "desc" {
		return 1
	}
	return 0
}

func directionFromByte(b byte) string {
	if b == 1 {
		return "desc"
	}
	return "asc"
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var varint [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varint[:], uint64(len(b)))
	buf.Write(varint[:n])
	buf.Write(b)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func orderByMatches(a, b []OrderKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
