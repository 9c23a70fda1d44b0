package manager

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arcor2-io/arcor2/internal/manager/pkgstore"
	"github.com/arcor2-io/arcor2/internal/model"
	"github.com/arcor2-io/arcor2/internal/wire"
)

// loopScript keeps running until stopped, answering the pause and resume
// control codes. With --start-paused it reports pausing on an action point.
const loopScript = `#!/bin/sh
trap 'exit 0' TERM
if [ "$1" = "--start-paused" ]; then
  echo '{"event":"PackageState","data":{"state":"paused","actionPointId":"ap-start"}}'
else
  echo '{"event":"PackageState","data":{"state":"running"}}'
fi
while read -r c; do
  case "$c" in
    p) echo '{"event":"PackageState","data":{"state":"paused"}}' ;;
    r) echo '{"event":"PackageState","data":{"state":"running"}}' ;;
  esac
done
`

// oneShotScript runs a single action and exits on its own.
const oneShotScript = `#!/bin/sh
echo '{"event":"PackageState","data":{"state":"running"}}'
echo '{"event":"ActionStateBefore","data":{"actionId":"act1","parameters":["1"]}}'
echo '{"event":"ActionStateAfter","data":{"actionId":"act1","results":["true"]}}'
`

// crashScript reports an error and dies.
const crashScript = `#!/bin/sh
echo '{"event":"PackageState","data":{"state":"running"}}'
echo '{"event":"ProjectException","data":{"message":"robot on fire","type":"RobotError"}}'
exit 1
`

func packageZip(t *testing.T, script string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(pkgstore.ScriptName)
	require.NoError(t, err)
	_, err = f.Write([]byte(script))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// testClient drives a manager over a real websocket connection, splitting
// the inbound stream into responses and events.
type testClient struct {
	t         *testing.T
	conn      *websocket.Conn
	responses chan wire.Response
	events    chan wire.Event
	nextID    int
}

func newTestManager(t *testing.T) (*Manager, *testClient) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := zaptest.NewLogger(t)
	store, err := pkgstore.New(t.TempDir(), logger)
	require.NoError(t, err)

	m := New(ctx, store, nil, Config{
		ProjectPath:  t.TempDir() + "/project",
		StopDeadline: 2 * time.Second,
	}, logger)
	t.Cleanup(m.Shutdown)

	srv := httptest.NewServer(http.HandlerFunc(m.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{
		t:         t,
		conn:      conn,
		responses: make(chan wire.Response, 64),
		events:    make(chan wire.Event, 64),
	}
	go c.readLoop()
	return m, c
}

func (c *testClient) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			close(c.responses)
			close(c.events)
			return
		}
		f, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		switch f.Kind {
		case wire.FrameResponse:
			c.responses <- f.Response
		case wire.FrameEvent:
			c.events <- f.Event
		}
	}
}

func (c *testClient) call(name string, args any) wire.Response {
	c.t.Helper()
	c.nextID++
	req := wire.Request{Request: name, ID: c.nextID}
	if args != nil {
		raw, err := json.Marshal(args)
		require.NoError(c.t, err)
		req.Args = raw
	}
	frame, err := req.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))

	select {
	case resp, ok := <-c.responses:
		require.True(c.t, ok, "connection closed waiting for %s response", name)
		require.Equal(c.t, name, resp.Response)
		require.Equal(c.t, c.nextID, resp.ID)
		return resp
	case <-time.After(5 * time.Second):
		c.t.Fatalf("timed out waiting for %s response", name)
		return wire.Response{}
	}
}

func (c *testClient) dryRun(name string, args any) wire.Response {
	c.t.Helper()
	c.nextID++
	raw, err := json.Marshal(args)
	require.NoError(c.t, err)
	req := wire.Request{Request: name, ID: c.nextID, Args: raw, DryRun: true}
	frame, err := req.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))

	select {
	case resp := <-c.responses:
		return resp
	case <-time.After(5 * time.Second):
		c.t.Fatalf("timed out waiting for %s response", name)
		return wire.Response{}
	}
}

// waitEvent skips unrelated events until one with the given discriminator
// arrives.
func (c *testClient) waitEvent(name string) wire.Event {
	c.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.events:
			require.True(c.t, ok, "connection closed waiting for %s event", name)
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

// waitState consumes PackageState events until the given state shows up,
// asserting the states seen on the way are legal predecessors.
func (c *testClient) waitState(want model.PackageState) wire.PackageStateData {
	c.t.Helper()
	for {
		ev := c.waitEvent(wire.EvPackageState)
		var data wire.PackageStateData
		require.NoError(c.t, json.Unmarshal(ev.Data, &data))
		if data.State == want {
			return data
		}
	}
}

func installPackage(t *testing.T, m *Manager, id, script string) {
	t.Helper()
	_, err := m.store.Install(id, id, "", packageZip(t, script))
	require.NoError(t, err)
}

func TestRunPauseResumeStop(t *testing.T) {
	m, c := newTestManager(t)
	installPackage(t, m, "pkg1", loopScript)

	resp := c.call(wire.RPCRunPackage, wire.RunPackageArgs{ID: "pkg1"})
	require.True(t, resp.Result, "%v", resp.Messages)

	start := c.waitState(model.PackageStarting)
	assert.Equal(t, "pkg1", start.PackageID)
	c.waitState(model.PackageRunning)

	resp = c.call(wire.RPCPausePackage, nil)
	require.True(t, resp.Result, "%v", resp.Messages)
	c.waitState(model.PackagePaused)

	// Pausing a paused package is rejected with the offending state named.
	resp = c.call(wire.RPCPausePackage, nil)
	require.False(t, resp.Result)
	assert.Contains(t, resp.Messages[0], "Cannot pause package in state paused")

	resp = c.call(wire.RPCResumePackage, nil)
	require.True(t, resp.Result, "%v", resp.Messages)
	c.waitState(model.PackageRunning)

	resp = c.call(wire.RPCStopPackage, nil)
	require.True(t, resp.Result, "%v", resp.Messages)
	c.waitState(model.PackageStopping)
	final := c.waitState(model.PackageStopped)
	assert.Equal(t, "pkg1", final.PackageID, "the stopped event still names the package")

	resp = c.call(wire.RPCPackageState, nil)
	require.True(t, resp.Result)
	var state wire.PackageStateData
	require.NoError(t, json.Unmarshal(resp.Data, &state))
	assert.Equal(t, model.PackageStopped, state.State)
}

func TestStartPausedReportsActionPoint(t *testing.T) {
	m, c := newTestManager(t)
	installPackage(t, m, "pkg1", loopScript)

	resp := c.call(wire.RPCRunPackage, wire.RunPackageArgs{ID: "pkg1", StartPaused: true})
	require.True(t, resp.Result, "%v", resp.Messages)

	paused := c.waitState(model.PackagePaused)
	assert.Equal(t, "ap-start", paused.ActionPointID)

	resp = c.call(wire.RPCPackageState, nil)
	require.True(t, resp.Result)
	var state wire.PackageStateData
	require.NoError(t, json.Unmarshal(resp.Data, &state))
	assert.Equal(t, model.PackagePaused, state.State)
	assert.Equal(t, "ap-start", state.ActionPointID)

	c.call(wire.RPCStopPackage, nil)
	c.waitState(model.PackageStopped)
}

func TestRunRelaysActionEventsInOrder(t *testing.T) {
	m, c := newTestManager(t)
	installPackage(t, m, "pkg1", oneShotScript)

	resp := c.call(wire.RPCRunPackage, wire.RunPackageArgs{ID: "pkg1"})
	require.True(t, resp.Result, "%v", resp.Messages)

	c.waitState(model.PackageRunning)
	before := c.waitEvent(wire.EvActionStateBefore)
	var bd wire.ActionStateBeforeData
	require.NoError(t, json.Unmarshal(before.Data, &bd))
	assert.Equal(t, "act1", bd.ActionID)

	after := c.waitEvent(wire.EvActionStateAfter)
	var ad wire.ActionStateAfterData
	require.NoError(t, json.Unmarshal(after.Data, &ad))
	assert.Equal(t, "act1", ad.ActionID)

	c.waitState(model.PackageStopped)
}

func TestScriptCrashRelaysExceptionAndStops(t *testing.T) {
	m, c := newTestManager(t)
	installPackage(t, m, "pkg1", crashScript)

	resp := c.call(wire.RPCRunPackage, wire.RunPackageArgs{ID: "pkg1"})
	require.True(t, resp.Result, "%v", resp.Messages)

	ev := c.waitEvent(wire.EvProjectException)
	var data wire.ProjectExceptionData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, "robot on fire", data.Message)

	c.waitState(model.PackageStopped)
}

func TestCannotRunWhileRunning(t *testing.T) {
	m, c := newTestManager(t)
	installPackage(t, m, "pkg1", loopScript)
	installPackage(t, m, "pkg2", loopScript)

	require.True(t, c.call(wire.RPCRunPackage, wire.RunPackageArgs{ID: "pkg1"}).Result)
	c.waitState(model.PackageRunning)

	resp := c.call(wire.RPCRunPackage, wire.RunPackageArgs{ID: "pkg2"})
	require.False(t, resp.Result)
	assert.Contains(t, resp.Messages[0], "Cannot run package in state running")

	c.call(wire.RPCStopPackage, nil)
	c.waitState(model.PackageStopped)
}

func TestLifecycleRPCsRejectedWhenIdle(t *testing.T) {
	_, c := newTestManager(t)

	for _, tc := range []struct {
		rpc string
		op  string
	}{
		{wire.RPCStopPackage, "stop package"},
		{wire.RPCPausePackage, "pause package"},
		{wire.RPCResumePackage, "resume package"},
	} {
		resp := c.call(tc.rpc, nil)
		require.False(t, resp.Result, tc.rpc)
		assert.Contains(t, resp.Messages[0], "Cannot "+tc.op+" in state undefined")
	}
}

func TestRunUnknownPackage(t *testing.T) {
	_, c := newTestManager(t)

	// With no build client wired the failure is reported, not panicked on.
	resp := c.call(wire.RPCRunPackage, wire.RunPackageArgs{ID: "nope"})
	require.False(t, resp.Result)

	resp = c.call(wire.RPCPackageState, nil)
	require.True(t, resp.Result)
	var state wire.PackageStateData
	require.NoError(t, json.Unmarshal(resp.Data, &state))
	assert.Equal(t, model.PackageUndefined, state.State, "a failed start restores the prior state")
}

func TestFailedStartAfterRunSettlesBackToStopped(t *testing.T) {
	m, c := newTestManager(t)
	installPackage(t, m, "pkg1", oneShotScript)

	require.True(t, c.call(wire.RPCRunPackage, wire.RunPackageArgs{ID: "pkg1"}).Result)
	c.waitState(model.PackageStopped)

	resp := c.call(wire.RPCRunPackage, wire.RunPackageArgs{ID: "nope"})
	require.False(t, resp.Result)

	resp = c.call(wire.RPCPackageState, nil)
	require.True(t, resp.Result)
	var state wire.PackageStateData
	require.NoError(t, json.Unmarshal(resp.Data, &state))
	assert.Equal(t, model.PackageStopped, state.State)
}

func TestDryRunDoesNotStart(t *testing.T) {
	m, c := newTestManager(t)
	installPackage(t, m, "pkg1", loopScript)

	resp := c.dryRun(wire.RPCRunPackage, wire.RunPackageArgs{ID: "pkg1"})
	require.True(t, resp.Result, "%v", resp.Messages)

	resp = c.call(wire.RPCPackageState, nil)
	require.True(t, resp.Result)
	var state wire.PackageStateData
	require.NoError(t, json.Unmarshal(resp.Data, &state))
	assert.NotEqual(t, model.PackageRunning, state.State)
	assert.Empty(t, state.PackageID)
}

func TestUploadListRenameDelete(t *testing.T) {
	_, c := newTestManager(t)

	data := base64.StdEncoding.EncodeToString(packageZip(t, oneShotScript))
	resp := c.call(wire.RPCUploadPackage, wire.UploadPackageArgs{ID: "up1", Name: "demo", Data: data})
	require.True(t, resp.Result, "%v", resp.Messages)

	ev := c.waitEvent(wire.EvPackageChanged)
	assert.Equal(t, wire.ChangeAdd, ev.ChangeType)

	resp = c.call(wire.RPCListPackages, nil)
	require.True(t, resp.Result)
	var listing wire.ListPackagesData
	require.NoError(t, json.Unmarshal(resp.Data, &listing))
	require.Len(t, listing.Packages, 1)
	assert.Equal(t, "demo", listing.Packages[0].Name)

	resp = c.call(wire.RPCRenamePackage, wire.RenameArgs{ID: "up1", NewName: "renamed"})
	require.True(t, resp.Result, "%v", resp.Messages)
	ev = c.waitEvent(wire.EvPackageChanged)
	assert.Equal(t, wire.ChangeUpdate, ev.ChangeType)

	resp = c.call(wire.RPCPackageInfo, wire.IDArgs{ID: "up1"})
	require.True(t, resp.Result)
	var info wire.PackageInfoData
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.Equal(t, "renamed", info.Name)
	assert.False(t, info.Built.IsZero())

	resp = c.call(wire.RPCDeletePackage, wire.IDArgs{ID: "up1"})
	require.True(t, resp.Result, "%v", resp.Messages)
	ev = c.waitEvent(wire.EvPackageChanged)
	assert.Equal(t, wire.ChangeRemove, ev.ChangeType)

	resp = c.call(wire.RPCDeletePackage, wire.IDArgs{ID: "up1"})
	require.False(t, resp.Result)
}

func TestDeleteRunningPackageRejected(t *testing.T) {
	m, c := newTestManager(t)
	installPackage(t, m, "pkg1", loopScript)

	require.True(t, c.call(wire.RPCRunPackage, wire.RunPackageArgs{ID: "pkg1"}).Result)
	c.waitState(model.PackageRunning)

	resp := c.call(wire.RPCDeletePackage, wire.IDArgs{ID: "pkg1"})
	require.False(t, resp.Result)
	assert.Contains(t, resp.Messages[0], "running")

	c.call(wire.RPCStopPackage, nil)
	c.waitState(model.PackageStopped)
}

func TestUnknownRequestAnswered(t *testing.T) {
	_, c := newTestManager(t)
	resp := c.call("Teleport", nil)
	require.False(t, resp.Result)
	assert.Contains(t, resp.Messages[0], "unknown request")
}
