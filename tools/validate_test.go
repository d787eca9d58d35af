package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemaTool() Tool {
	return Tool{
		Name: "add_book",
		Schema: Schema{Fields: []Field{
			{Name: "title", Type: TypeString, Required: true},
			{Name: "year", Type: TypeInteger},
			{Name: "rating", Type: TypeNumber},
			{Name: "in_print", Type: TypeBoolean},
			{Name: "metadata", Type: TypeObject},
			{Name: "tags", Type: TypeArray},
		}},
	}
}

func TestValidateAcceptsWellTypedArgs(t *testing.T) {
	warnings, err := Validate(schemaTool(), map[string]any{
		"title":    "Dune",
		"year":     float64(1965), // JSON numbers decode as float64
		"rating":   4.5,
		"in_print": true,
		"metadata": map[string]any{"isbn": "x"},
		"tags":     []any{"scifi"},
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestValidateMissingRequired(t *testing.T) {
	_, err := Validate(schemaTool(), map[string]any{"year": 1965})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"title"}, verr.Missing)
}

func TestValidateWrongTypes(t *testing.T) {
	_, err := Validate(schemaTool(), map[string]any{
		"title":    42,
		"year":     1965.5, // fractional part disqualifies an integer field
		"in_print": "yes",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{"title", "year", "in_print"}, verr.Invalid)
}

func TestValidateNilValueIsInvalid(t *testing.T) {
	_, err := Validate(schemaTool(), map[string]any{"title": nil})
	require.Error(t, err)
}

func TestValidateUnknownFieldsWarnOnly(t *testing.T) {
	warnings, err := Validate(schemaTool(), map[string]any{
		"title": "Dune",
		"extra": "surplus",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"unknown field: extra"}, warnings)
}

func TestValidateOptionalFieldsMayBeAbsent(t *testing.T) {
	warnings, err := Validate(schemaTool(), map[string]any{"title": "Dune"})
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestValidateEmptySchemaAcceptsAnything(t *testing.T) {
	warnings, err := Validate(Tool{Name: "ping"}, map[string]any{"anything": 1})
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}
