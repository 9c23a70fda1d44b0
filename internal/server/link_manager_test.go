package server_test

// Exercises the real manager link against a real execution manager over a
// live websocket, where the unit tests on either side use fakes.

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arcor2-io/arcor2/internal/manager"
	"github.com/arcor2-io/arcor2/internal/manager/pkgstore"
	"github.com/arcor2-io/arcor2/internal/model"
	"github.com/arcor2-io/arcor2/internal/server"
	"github.com/arcor2-io/arcor2/internal/wire"
)

const echoScript = `#!/bin/sh
echo '{"event":"PackageState","data":{"state":"running"}}'
`

func scriptZip(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(pkgstore.ScriptName)
	require.NoError(t, err)
	_, err = f.Write([]byte(echoScript))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func linkCall(t *testing.T, link *server.ManagerLink, name string, args any, out any) {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		var err error
		raw, err = json.Marshal(args)
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := link.Call(ctx, wire.Request{Request: name, ID: 1, Args: raw})
	require.NoError(t, err)
	require.True(t, resp.Result, "%s failed: %v", name, resp.Messages)
	if out != nil {
		require.NoError(t, wire.DecodeArgs(resp.Data, out))
	}
}

func TestLinkAgainstRealManager(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := zaptest.NewLogger(t)

	store, err := pkgstore.New(t.TempDir(), logger)
	require.NoError(t, err)
	mgr := manager.New(ctx, store, nil, manager.Config{
		ProjectPath:  t.TempDir() + "/project",
		StopDeadline: 2 * time.Second,
	}, logger)
	t.Cleanup(mgr.Shutdown)

	srv := httptest.NewServer(http.HandlerFunc(mgr.ServeWS))
	t.Cleanup(srv.Close)

	events := make(chan wire.Event, 64)
	link := server.NewManagerLink("ws"+strings.TrimPrefix(srv.URL, "http"), logger)
	link.SetEventHandler(func(ev wire.Event) { events <- ev })
	go link.Run(ctx)

	require.Eventually(t, func() bool {
		return mgr.ConnectedPeers() == 1
	}, 5*time.Second, 10*time.Millisecond)

	var listing wire.ListPackagesData
	linkCall(t, link, wire.RPCListPackages, nil, &listing)
	assert.Empty(t, listing.Packages)

	linkCall(t, link, wire.RPCUploadPackage, wire.UploadPackageArgs{
		ID: "p1", Name: "demo", Data: scriptZip(t),
	}, nil)

	linkCall(t, link, wire.RPCListPackages, nil, &listing)
	require.Len(t, listing.Packages, 1)
	assert.Equal(t, "p1", listing.Packages[0].ID)
	assert.Equal(t, "demo", listing.Packages[0].Name)

	linkCall(t, link, wire.RPCRunPackage, wire.RunPackageArgs{ID: "p1"}, nil)

	// The script announces running and exits; both transitions must reach the
	// link's event handler in order.
	states := stateSequence(t, events, 2)
	assert.Equal(t, model.PackageRunning, states[0])
	assert.Equal(t, model.PackageStopped, states[1])
}

// stateSequence collects the next n package state transitions, skipping other
// event kinds.
func stateSequence(t *testing.T, events <-chan wire.Event, n int) []model.PackageState {
	t.Helper()
	var out []model.PackageState
	deadline := time.After(10 * time.Second)
	for len(out) < n {
		select {
		case ev := <-events:
			if ev.Event != wire.EvPackageState {
				continue
			}
			var data wire.PackageStateData
			require.NoError(t, json.Unmarshal(ev.Data, &data))
			out = append(out, data.State)
		case <-deadline:
			t.Fatalf("timed out after %d of %d state transitions", len(out), n)
		}
	}
	return out
}
