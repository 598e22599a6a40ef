// Package extract turns raw API responses into output rows.
//
// An Extractor owns everything that depends on the response body: the URL of
// the primary call, JSON/HTML parsing, and any dependent secondary calls.
// The worker pool treats bodies as opaque bytes.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Sternrassler/bulkfetch/pkg/client"
	"github.com/Sternrassler/bulkfetch/pkg/record"
)

// ErrIncompleteData marks a payload that is structurally missing required
// fields. Entities failing with it are reported as invalid and never retried.
var ErrIncompleteData = errors.New("incomplete data")

// Getter issues secondary GET requests through the shared retrying client.
// *client.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, url string, header http.Header) (*client.Response, error)
}

// Extractor converts the primary response of one entity into rows.
type Extractor interface {
	// Name identifies the extractor in configuration and logs.
	Name() string

	// IDColumn is the column every produced row must lead with.
	IDColumn() string

	// URL returns the primary request URL for an entity.
	URL(id string) string

	// Extract parses resp. Returning an error wrapping ErrIncompleteData
	// marks the entity invalid; any other error marks it failed.
	Extract(ctx context.Context, id string, resp *client.Response, get Getter) ([]record.Record, error)
}

// Classify maps an Extract result to an outcome.
func Classify(id string, rows []record.Record, err error) record.Outcome {
	switch {
	case err == nil:
		return record.Success(id, rows)
	case errors.Is(err, ErrIncompleteData):
		return record.Invalid(id, err)
	default:
		return record.Failed(id, err)
	}
}

// joinURL appends path to base without doubling slashes.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// CheckRows verifies that every row leads with the extractor's id column.
func CheckRows(ex Extractor, rows []record.Record) error {
	for i, r := range rows {
		cols := r.Columns()
		if len(cols) == 0 || cols[0] != ex.IDColumn() {
			return fmt.Errorf("%s: row %d does not lead with column %q", ex.Name(), i, ex.IDColumn())
		}
	}
	return nil
}
