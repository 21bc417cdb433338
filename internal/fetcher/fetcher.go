// Package fetcher retrieves JSON records from the PMS HTTP API: bearer
// authentication per branch, failure classification, retry, adaptive rate
// limiting and envelope pagination.
package fetcher

import (
	"context"
	"encoding/json"
)

// Fetcher retrieves every record an endpoint returns for a request.
type Fetcher interface {
	FetchAll(ctx context.Context, req Request) ([]json.RawMessage, error)
}

// Request describes one logical extraction from one endpoint.
type Request struct {
	// Endpoint is the path relative to the API base URL, e.g. "booking".
	Endpoint string
	// Params are extra query parameters (window bounds, filters).
	Params map[string]string
	// Partition is the branch id; it is folded into the bearer token.
	// Zero means no branch suffix.
	Partition int
	// Paginated requests page/limit and follows the pagination envelope.
	Paginated bool
	// PageSize overrides the client default page size.
	PageSize int
}

// BranchToken returns the bearer credential for a branch.
func BranchToken(base string, partition int) string {
	if partition <= 0 {
		return base
	}
	return base + "|" + itoa(partition)
}
