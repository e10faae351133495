// Package pagination implements the opaque keyset page tokens used by list
// endpoints backed by Firestore queries ordered on (createdAt, document id).
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultPageSize is the number of items returned when the client omits
	// page_size.
	DefaultPageSize = 50
	// MaxPageSize caps page_size to keep result sets bounded.
	MaxPageSize = 200
)

// ErrInvalidPageToken reports a page token that was not produced by EncodeToken.
var ErrInvalidPageToken = errors.New("pagination: invalid page token")

// Cursor identifies the last document of the previously returned page.
type Cursor struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c Cursor) isZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// EncodeToken serialises the cursor into a base64 URL-safe page token. A zero
// cursor encodes to the empty string, meaning no further pages.
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.isZero() {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken. The empty string decodes
// to the zero cursor, meaning start from the first page.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if cursor.isZero() {
		return Cursor{}, fmt.Errorf("%w: empty cursor", ErrInvalidPageToken)
	}
	return cursor, nil
}

// ClampPageSize normalises a requested page size into the supported range.
func ClampPageSize(requested int) int {
	if requested <= 0 {
		return DefaultPageSize
	}
	if requested > MaxPageSize {
		return MaxPageSize
	}
	return requested
}
