package analysis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractArray_BareArray(t *testing.T) {
	arr, err := extractArray(json.RawMessage(`  [{"id":"a"}] `))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a"}]`, string(arr))
}

func TestExtractArray_Wrapper(t *testing.T) {
	arr, err := extractArray(json.RawMessage(`{"analyses":[{"id":"a"}]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a"}]`, string(arr))
}

func TestExtractArray_StringWithProse(t *testing.T) {
	payload := `"Here are the results:\n[{\"id\":\"a\"}]\nLet me know if you need more."`
	arr, err := extractArray(json.RawMessage(payload))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a"}]`, string(arr))
}

func TestExtractArray_StringWithWrappedObject(t *testing.T) {
	payload := `"Sure! {\"analyses\": [{\"id\": \"a\"}]}"`
	arr, err := extractArray(json.RawMessage(payload))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a"}]`, string(arr))
}

func TestExtractArray_Failures(t *testing.T) {
	for _, payload := range []string{
		`null`,
		``,
		`"no json here at all"`,
		`{"wrong_key": []}`,
		`42`,
	} {
		_, err := extractArray(json.RawMessage(payload))
		assert.Error(t, err, "payload: %s", payload)
	}
}

func TestFirstJSONBlock_IgnoresBracketsInStrings(t *testing.T) {
	block, ok := firstJSONBlock(`prefix [{"note":"a ] tricky ["}] suffix`)
	require.True(t, ok)
	assert.Equal(t, `[{"note":"a ] tricky ["}]`, block)
}

func TestFirstJSONBlock_Unbalanced(t *testing.T) {
	_, ok := firstJSONBlock(`[{"id":"a"}`)
	assert.False(t, ok)
}
