package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadata(t *testing.T) {
	meta, err := parseMetadata([]string{"orderId=o-42", "qty=3", "tags=[\"a\",\"b\"]", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"orderId": "o-42",
		"qty":     float64(3),
		"tags":    []any{"a", "b"},
		"note":    "a=b",
	}, meta)

	meta, err = parseMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, meta)

	_, err = parseMetadata([]string{"=value"})
	require.Error(t, err)
}

func TestWriteFiltered(t *testing.T) {
	v := map[string]interface{}{
		"status": "confirmed",
		"slot":   9,
		"items":  []string{"a", "b"},
	}

	tests := []struct {
		name    string
		filters []string
		want    string
	}{
		{
			name:    "string results print raw",
			filters: []string{".status"},
			want:    "confirmed\n",
		},
		{
			name:    "numbers encode as json",
			filters: []string{".slot"},
			want:    "9\n",
		},
		{
			name:    "filters apply in order",
			filters: []string{".items", ".[]"},
			want:    "a\nb\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filters, err := compileJQ(tt.filters)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, writeFiltered(&buf, v, filters))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestWriteFiltered_RuntimeError(t *testing.T) {
	filters, err := compileJQ([]string{".status | keys"})
	require.NoError(t, err)

	var buf bytes.Buffer
	err = writeFiltered(&buf, map[string]string{"status": "confirmed"}, filters)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jq filter failed")
}

func TestMatchesAll(t *testing.T) {
	v := map[string]interface{}{"status": "confirming", "confirmationLevel": "processed"}

	filters, err := compileJQ([]string{`.status == "confirming"`, `.confirmationLevel`})
	require.NoError(t, err)
	assert.True(t, matchesAll(v, filters))

	filters, err = compileJQ([]string{`.status == "confirming"`, `.slot`})
	require.NoError(t, err)
	assert.False(t, matchesAll(v, filters), "null is falsy")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
}
