// Package pagination implements opaque keyset page tokens for listing
// endpoints. A token encodes the sort key of the last row on the page;
// decoding one never reveals row contents to the caller.
package pagination

import (
	"encoding/base64"
	"encoding/json"
)

// Cursor carries the keyset position. ID is the stringified sort key of
// the last returned row, a snowflake id or an upstream record id
// depending on the listing.
type Cursor struct {
	ID string `json:"id,omitempty"`
}

// PageInfo is embedded in list responses.
type PageInfo struct {
	NextPageToken     string `json:"next_page_token"`
	PreviousPageToken string `json:"previous_page_token"`
	HasMore           bool   `json:"has_more"`
}

// EncodeCursor renders the cursor as an opaque base64 token.
func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeCursor parses a token produced by EncodeCursor. Malformed tokens
// return an error; callers treat that as an absent cursor.
func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}
