package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor is a keyset position: the sort value and id of the last row of a
// page. The pair uniquely identifies a position in a sorted result set.
type Cursor struct {
	Value string `json:"v"`
	ID    string `json:"id"`
}

// EncodeCursor encodes a sort value and id into an opaque cursor token.
func EncodeCursor(sortValue string, id string) string {
	data, _ := json.Marshal(Cursor{Value: sortValue, ID: id})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor decodes a token produced by EncodeCursor.
func DecodeCursor(token string) (*Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor token: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	if c.Value == "" || c.ID == "" {
		return nil, fmt.Errorf("invalid cursor payload: missing position")
	}
	return &c, nil
}
