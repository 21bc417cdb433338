package fetcher

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/kinhotel/pms-sync/internal/resilience"
)

// Pagination is the optional paging block of the response envelope.
type Pagination struct {
	Total *flexInt `json:"total"`
	Limit *flexInt `json:"limit"`
	Page  *flexInt `json:"page"`
}

// Complete reports whether all three counters are present and usable.
func (p *Pagination) Complete() bool {
	return p != nil && p.Total != nil && p.Limit != nil && p.Page != nil &&
		*p.Total >= 0 && *p.Limit > 0 && *p.Page > 0
}

// TotalPages returns ceil(total/limit). Only valid when Complete.
func (p *Pagination) TotalPages() int {
	return (int(*p.Total) + int(*p.Limit) - 1) / int(*p.Limit)
}

// Envelope is a decoded response body.
type Envelope struct {
	Data       []json.RawMessage
	Pagination *Pagination
}

// DecodeEnvelope accepts {"data": [...], "pagination": {...}}, a bare array
// or {"data": {...}}. An object without "data" carries no records.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &resilience.ProtocolError{Reason: "empty body"}
	}

	switch trimmed[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, eris.Wrap(err, "fetcher: decode array body")
		}
		return &Envelope{Data: arr}, nil
	case '{':
	default:
		return nil, &resilience.ProtocolError{Reason: "body is neither an object nor an array"}
	}

	var raw struct {
		Data       json.RawMessage `json:"data"`
		Pagination *Pagination     `json:"pagination"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &resilience.ProtocolError{Reason: "malformed envelope: " + err.Error()}
	}

	data := bytes.TrimSpace(raw.Data)
	env := &Envelope{Pagination: raw.Pagination}
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")):
	case data[0] == '[':
		if err := json.Unmarshal(data, &env.Data); err != nil {
			return nil, &resilience.ProtocolError{Reason: "malformed data array: " + err.Error()}
		}
	case data[0] == '{':
		env.Data = []json.RawMessage{json.RawMessage(data)}
	default:
		return nil, &resilience.ProtocolError{Reason: "data is neither an object nor an array"}
	}
	return env, nil
}

// flexInt decodes numbers that some endpoints send as strings ("120").
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return eris.Wrapf(err, "fetcher: pagination value %s", b)
	}
	*n = flexInt(v)
	return nil
}
