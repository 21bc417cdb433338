package history

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/kinhotel/pms-sync/internal/flatten"
)

// Store persists one history per (dataset, partition). Replace is all or
// nothing: readers see either the old history or the new one.
type Store interface {
	Load(ctx context.Context, dataset string, partition int) ([]Record, error)
	Replace(ctx context.Context, dataset string, partition int, records []Record) error
	Close() error
}

// Locator is implemented by stores that keep each history in a file.
type Locator interface {
	Path(dataset string, partition int) string
}

func encodeAttributes(attrs flatten.Row) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, eris.Wrap(err, "history: encode attributes")
	}
	return b, nil
}

func decodeAttributes(b []byte) (flatten.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var row flatten.Row
	if err := dec.Decode(&row); err != nil {
		return nil, eris.Wrap(err, "history: decode attributes")
	}
	if row == nil {
		row = flatten.Row{}
	}
	return row, nil
}
