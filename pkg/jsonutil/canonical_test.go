package jsonutil_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/auditkit/auditkit/pkg/jsonutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalMarshal_SortedKeys(t *testing.T) {
	input := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"mid":   3,
	}
	out, err := jsonutil.CanonicalMarshal(input)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zebra":1}`, string(out))
}

func TestCanonicalMarshal_Nested(t *testing.T) {
	input := map[string]any{
		"b": map[string]any{"z": 1, "a": 2},
		"a": 0,
	}
	out, err := jsonutil.CanonicalMarshal(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":0,"b":{"a":2,"z":1}}`, string(out))
}

func TestCanonicalMarshal_NullAndEmpty(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"key": nil, "arr": []any{}, "obj": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, `{"arr":[],"key":null,"obj":{}}`, string(out))
}

func TestCanonicalMarshal_StructSortsFields(t *testing.T) {
	type sample struct {
		Zebra int    `json:"zebra"`
		Alpha string `json:"alpha"`
	}
	out, err := jsonutil.CanonicalMarshal(sample{Zebra: 1, Alpha: "a"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","zebra":1}`, string(out))
}

func TestCanonicalMarshal_LargeNumbers(t *testing.T) {
	input := map[string]any{
		"big":   int64(9007199254740993),
		"float": 3.141592653589793,
	}
	out, err := jsonutil.CanonicalMarshal(input)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"big":9007199254740993`)
	assert.Contains(t, string(out), `"float":3.141592653589793`)
}

func TestCanonicalMarshal_NoHTMLEscaping(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"title": "<b>a & b</b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"<b>a & b</b>"}`, string(out))
}

func TestCanonicalMarshal_Unicode(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"名前": "テスト", "quote": `say "hi"`})
	require.NoError(t, err)
	assert.Equal(t, `{"quote":"say \"hi\"","名前":"テスト"}`, string(out))
}

func TestCanonicalMarshal_ArrayWithNulls(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"arr": []any{1, nil, "text", nil, false}})
	require.NoError(t, err)
	assert.Equal(t, `{"arr":[1,null,"text",null,false]}`, string(out))
}

type marshalErrorType struct{}

func (marshalErrorType) MarshalJSON() ([]byte, error) {
	return nil, errors.New("marshal error")
}

func TestCanonicalMarshal_MarshalError(t *testing.T) {
	_, err := jsonutil.CanonicalMarshal(map[string]any{"nested": map[string]any{"bad": marshalErrorType{}}})
	assert.Error(t, err)
}

func TestCanonicalize_Idempotent(t *testing.T) {
	raw := []byte(`{ "b": [1, 2.50, {"y": true, "x": null}], "a": "v" }`)
	once, err := jsonutil.Canonicalize(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"v","b":[1,2.50,{"x":null,"y":true}]}`, string(once))

	twice, err := jsonutil.Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestDecode_KeepsNumbers(t *testing.T) {
	v, err := jsonutil.Decode([]byte(`{"n":12345678901234567890}`))
	require.NoError(t, err)
	n, ok := v.(map[string]any)["n"].(json.Number)
	require.True(t, ok)
	assert.Equal(t, "12345678901234567890", n.String())
}

func TestCanonicalize_Invalid(t *testing.T) {
	_, err := jsonutil.Canonicalize([]byte(`{"a":`))
	assert.Error(t, err)
}
