package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor is the opaque pagination state we encode/decode.
// Offset counts rows already returned in the list's natural order.
type Cursor struct {
	Offset int `json:"offset"`
}

// Page is a normalised limit/offset window.
type Page struct {
	Limit  int
	Offset int
}

// Encode converts a Cursor into a Base64 string.
func Encode(c Cursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Decode parses a Base64 string into a Cursor.
// Empty token → empty cursor (first page).
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}

	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid pagination token")
	}

	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil || c.Offset < 0 {
		return Cursor{}, fmt.Errorf("invalid pagination token")
	}
	return c, nil
}

// Normalize clamps limit into [1, max] (0 means def) and resolves the offset,
// preferring an explicit page token over a raw offset.
func Normalize(limit, offset int, token string, def, max int) (Page, error) {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	if token != "" {
		c, err := Decode(token)
		if err != nil {
			return Page{}, err
		}
		offset = c.Offset
	}
	return Page{Limit: limit, Offset: offset}, nil
}

// Next returns the token for the page after p when the current page came back full.
func (p Page) Next(returned int) *string {
	if returned < p.Limit {
		return nil
	}
	token, err := Encode(Cursor{Offset: p.Offset + returned})
	if err != nil {
		return nil
	}
	return &token
}
