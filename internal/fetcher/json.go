package fetcher

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// maxJSONBytes caps API responses decoded by DecodeJSON.
const maxJSONBytes = 32 << 20

// DecodeJSON decodes a single JSON document from r.
func DecodeJSON[T any](r io.Reader) (*T, error) {
	var obj T
	if err := json.NewDecoder(io.LimitReader(r, maxJSONBytes)).Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode document")
	}
	return &obj, nil
}
