package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() map[string]interface{} {
	return map[string]interface{}{
		"inputs": map[string]interface{}{"name": "ada", "limit": 3},
		"query": map[string]interface{}{
			"rows": []interface{}{
				map[string]interface{}{"id": 1, "title": "first"},
				map[string]interface{}{"id": 2, "title": "second"},
			},
		},
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     interface{}
	}{
		{"plain string", "hello", "hello"},
		{"whole reference keeps number", "${inputs.limit}", float64(3)},
		{"whole reference keeps array", "${query.rows.#}", float64(2)},
		{"bracket index", "${query.rows[1].title}", "second"},
		{"interpolation", "hi ${inputs.name}, ${query.rows.0.id} row", "hi ada, 1 row"},
		{"missing reference", "${nope.none}", nil},
		{"missing inside string", "x${nope}y", "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.template, testContext())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookup(t *testing.T) {
	v, ok, err := Lookup("query.rows", testContext())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, v, 2)

	_, ok, err = Lookup("${query.missing}", testContext())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveValue(t *testing.T) {
	got, err := ResolveValue(map[string]interface{}{
		"url":   "https://api.test/users/${inputs.name}",
		"limit": "${inputs.limit}",
		"tags":  []interface{}{"${query.rows.0.title}", 7},
	}, testContext())
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{
		"url":   "https://api.test/users/ada",
		"limit": float64(3),
		"tags":  []interface{}{"first", 7},
	}, got)
}
