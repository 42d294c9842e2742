// Package pagination implements opaque keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a cursor string cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row of a page. Rows strictly older than it
// (by created_at, then id) belong to the next page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Precedes reports whether a row at (createdAt, id) sorts after the cursor
// in a newest-first listing, i.e. whether it belongs on a later page.
func (c Cursor) Precedes(createdAt time.Time, id string) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Decode parses an opaque cursor. Empty input yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page is one slice of a listing plus the cursor for the next one.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Trim builds a Page from items fetched with limit+1 rows.
func Trim[T any](items []T, limit int, key func(T) (time.Time, string)) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return Page[T]{
		Items:      items,
		NextCursor: Cursor{CreatedAt: at, ID: id}.Encode(),
		HasMore:    true,
	}
}
