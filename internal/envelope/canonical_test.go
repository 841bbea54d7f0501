package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"request_state": map[string]any{"type": "OK", "msg": ""},
		"done":          true,
		"request_id":    "r1",
	})
	require.NoError(t, err)

	assert.Equal(t, `{"done":true,"request_id":"r1","request_state":{"msg":"","type":"OK"}}`, string(got))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical("a < b && c > d")
	require.NoError(t, err)
	assert.Equal(t, `"a < b && c > d"`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	// "e" followed by a combining acute accent normalizes to U+00E9.
	got, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(got))
}

func TestMarshalCanonical_LineSeparators(t *testing.T) {
	got, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(got))

	// A literal backslash followed by the text u2028 stays escaped.
	got, err = MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(got))
}

func TestMarshalCanonical_NumbersAndNull(t *testing.T) {
	got, err := MarshalCanonical([]any{1, 2.5, nil, false})
	require.NoError(t, err)
	assert.Equal(t, `[1,2.5,null,false]`, string(got))
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	v := map[string]any{"z": 1, "a": []any{"x", map[string]any{"k2": 2, "k1": 1}}}

	first, err := MarshalCanonical(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := MarshalCanonical(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
