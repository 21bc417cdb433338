package fetcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinhotel/pms-sync/internal/resilience"
)

func TestDecodeEnvelope_WithPagination(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"data":[{"id":1},{"id":2}],"pagination":{"total":5,"limit":2,"page":1}}`))
	require.NoError(t, err)
	assert.Len(t, env.Data, 2)
	require.True(t, env.Pagination.Complete())
	assert.Equal(t, 3, env.Pagination.TotalPages())
}

func TestDecodeEnvelope_StringCounters(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"data":[],"pagination":{"total":"10","limit":"10","page":"1"}}`))
	require.NoError(t, err)
	require.True(t, env.Pagination.Complete())
	assert.Equal(t, 1, env.Pagination.TotalPages())
}

func TestDecodeEnvelope_PartialPagination(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"data":[{"id":1}],"pagination":{"page":1}}`))
	require.NoError(t, err)
	assert.False(t, env.Pagination.Complete())
}

func TestDecodeEnvelope_Shapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"id":1},{"id":2},{"id":3}]`, 3},
		{"data object", `{"data":{"id":1}}`, 1},
		{"object without data", `{"message":"no bookings in range"}`, 0},
		{"null data", `{"data":null}`, 0},
		{"empty array", `{"data":[]}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.body))
			require.NoError(t, err)
			assert.Len(t, env.Data, tt.want)
		})
	}
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	for _, body := range []string{``, `"text"`, `{"data":"nope"}`} {
		_, err := DecodeEnvelope([]byte(body))
		var pe *resilience.ProtocolError
		assert.True(t, errors.As(err, &pe), "body %q: %v", body, err)
	}
}
