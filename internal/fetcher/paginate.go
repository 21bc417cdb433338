package fetcher

import (
	"context"
	"encoding/json"
	"maps"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FetchAll implements Fetcher. Unpaginated requests make a single call.
// Paginated requests walk page=1,2,... and stop when the envelope says the
// last page was reached, when a page is shorter than the page size (no
// envelope), or on the first empty page. Pages are concatenated in order.
func (f *HTTPFetcher) FetchAll(ctx context.Context, req Request) ([]json.RawMessage, error) {
	log := zap.L().With(
		zap.String("component", "fetcher"),
		zap.String("endpoint", req.Endpoint),
		zap.Int("branch_id", req.Partition),
	)

	if !req.Paginated {
		body, err := f.getJSON(ctx, req.Endpoint, req.Partition, req.Params)
		if err != nil {
			return nil, err
		}
		env, err := DecodeEnvelope(body)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: decode %s", req.Endpoint)
		}
		pagesTotal.WithLabelValues(req.Endpoint).Inc()
		return env.Data, nil
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = f.opts.PageSize
	}

	var all []json.RawMessage
	for page := 1; ; page++ {
		if page > 1 {
			if err := f.opts.Sleep(ctx, f.pageDelay()); err != nil {
				return nil, eris.Wrapf(err, "fetcher: %s interrupted before page %d", req.Endpoint, page)
			}
		}

		params := make(map[string]string, len(req.Params)+2)
		maps.Copy(params, req.Params)
		params["page"] = strconv.Itoa(page)
		params["limit"] = strconv.Itoa(pageSize)

		body, err := f.getJSON(ctx, req.Endpoint, req.Partition, params)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: %s page %d", req.Endpoint, page)
		}
		env, err := DecodeEnvelope(body)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: decode %s page %d", req.Endpoint, page)
		}
		pagesTotal.WithLabelValues(req.Endpoint).Inc()

		all = append(all, env.Data...)
		log.Debug("page fetched", zap.Int("page", page), zap.Int("records", len(env.Data)))

		if lastPage(env, page, pageSize) {
			break
		}
	}

	return all, nil
}

func lastPage(env *Envelope, page, pageSize int) bool {
	if len(env.Data) == 0 {
		return true
	}
	if env.Pagination.Complete() {
		return page >= env.Pagination.TotalPages()
	}
	return len(env.Data) < pageSize
}
