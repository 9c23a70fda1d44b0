package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	f, err := Decode([]byte(`{"request":"GetScene","id":7,"args":{"id":"s1"},"dryRun":true}`))
	require.NoError(t, err)
	require.Equal(t, FrameRequest, f.Kind)
	assert.Equal(t, "GetScene", f.Request.Request)
	assert.Equal(t, 7, f.Request.ID)
	assert.True(t, f.Request.DryRun)

	var args IDArgs
	require.NoError(t, DecodeArgs(f.Request.Args, &args))
	assert.Equal(t, "s1", args.ID)
}

func TestDecodeResponseAndEvent(t *testing.T) {
	f, err := Decode([]byte(`{"response":"GetScene","id":7,"result":false,"messages":["no such scene"]}`))
	require.NoError(t, err)
	require.Equal(t, FrameResponse, f.Kind)
	assert.False(t, f.Response.Result)
	assert.Equal(t, []string{"no such scene"}, f.Response.Messages)

	f, err = Decode([]byte(`{"event":"SceneChanged","changeType":"REMOVE","data":{"id":"s1"}}`))
	require.NoError(t, err)
	require.Equal(t, FrameEvent, f.Kind)
	assert.Equal(t, ChangeRemove, f.Event.ChangeType)
}

func TestDecodeFramingErrors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrNotJSON)

	_, err = Decode([]byte(`{"foo":"bar"}`))
	assert.ErrorIs(t, err, ErrNoKind)

	// Requests without an id are framing errors, never answered.
	_, err = Decode([]byte(`{"request":"GetScene"}`))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = Decode([]byte(`{"request":"a","event":"b"}`))
	assert.ErrorIs(t, err, ErrAmbiguousKind)
}

func TestResponseEncoding(t *testing.T) {
	resp, err := OK(RPCNewScene, 3, IDData{ID: "abc"})
	require.NoError(t, err)
	raw, err := resp.Encode()
	require.NoError(t, err)

	var back map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.JSONEq(t, `"NewScene"`, string(back["response"]))
	assert.JSONEq(t, `{"id":"abc"}`, string(back["data"]))
	_, hasMessages := back["messages"]
	assert.False(t, hasMessages)

	fail := Fail(RPCNewScene, 3, "name taken")
	raw, err = fail.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"result":false`)
	assert.Contains(t, string(raw), "name taken")
}

func TestChangedEvent(t *testing.T) {
	ev, err := Changed(EvSceneObjectChanged, IDData{ID: "o1"}, ChangeAdd, "scene1")
	require.NoError(t, err)
	raw, err := ev.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"changeType":"ADD"`)
	assert.Contains(t, string(raw), `"parentId":"scene1"`)
}

func TestIsExecutionRPC(t *testing.T) {
	assert.True(t, IsExecutionRPC(RPCRunPackage))
	assert.True(t, IsExecutionRPC(RPCBuildProject))
	assert.False(t, IsExecutionRPC(RPCOpenScene))
}
