package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req, err := NewRequest("req-1", "tools/call", map[string]interface{}{
		"name":      "add",
		"arguments": map[string]interface{}{"a": 1, "b": 2},
	})
	require.NoError(t, err)

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, Version, decoded.JSONRPC)
	assert.Equal(t, "req-1", decoded.ID)
	assert.Equal(t, "tools/call", decoded.Method)
	assert.False(t, decoded.IsNotification())

	var params map[string]interface{}
	require.NoError(t, json.Unmarshal(decoded.Params, &params))
	assert.Equal(t, "add", params["name"])
}

func TestNotificationHasNoID(t *testing.T) {
	n, err := NewNotification("notifications/initialized", nil)
	require.NoError(t, err)

	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}

func TestResponseCarriesErrorXorResult(t *testing.T) {
	ok := NewResponse(1, map[string]bool{"pong": true}, nil)
	assert.Nil(t, ok.Error)
	assert.NotNil(t, ok.Result)

	failed := NewResponse(1, nil, ToolNotFoundError("nope"))
	assert.Nil(t, failed.Result)
	require.NotNil(t, failed.Error)
	assert.Equal(t, ToolNotFoundCode, failed.Error.Code)
}

func TestIsNotificationWithNilID(t *testing.T) {
	r := &Request{Method: "ping"}
	assert.True(t, r.IsNotification())
}
