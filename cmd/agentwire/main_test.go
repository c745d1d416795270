package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/agentwire/internal/config"
	"github.com/danmuck/agentwire/internal/protocol"
	"github.com/danmuck/agentwire/internal/protocol/session"
	"github.com/danmuck/agentwire/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// syncBuffer is written by a command goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(ctx context.Context, out *syncBuffer, args ...string) error {
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func TestParseProps(t *testing.T) {
	testlog.Start(t)

	got, err := parseProps([]string{"mode=fast", " retries =3", "empty="})
	require.NoError(t, err)
	want := map[string]string{"mode": "fast", "retries": "3", "empty": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("props (-want +got):\n%s", diff)
	}

	none, err := parseProps(nil)
	require.NoError(t, err)
	require.Nil(t, none)

	for _, bad := range []string{"novalue", "=orphan"} {
		if _, err := parseProps([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "controller.toml")
	require.NoError(t, os.WriteFile(path, []byte("role = \"controller\"\nremote_host = \"10.1.1.1\"\nremote_port = 2420\n"), 0o600))

	var flags sessionFlags
	cmd := &cobra.Command{Use: "dial"}
	flags.register(cmd, "host", "port")
	require.NoError(t, cmd.Flags().Parse([]string{"--config", path, "--port", "2430", "--eom", "<END>"}))

	rt, err := flags.runtime(cmd, session.RoleLocalController)
	require.NoError(t, err)
	require.Equal(t, "10.1.1.1", rt.Session.RemoteHost)
	require.Equal(t, 2430, rt.Session.RemotePort)
	require.Equal(t, "<END>", rt.Session.Marker)

	_, err = flags.runtime(cmd, session.RoleRemoteClient)
	if !errors.Is(err, protocol.ErrWrongRole) {
		t.Fatalf("expected ErrWrongRole, got %v", err)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "remote.yaml")
	var out syncBuffer
	if err := execute(context.Background(), &out, "config", "init", "--kind", "remote", "--out", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if err := execute(context.Background(), &out, "config", "init", "--kind", "remote", "--out", path); err == nil {
		t.Fatalf("expected init to refuse an existing file")
	}
	require.NoError(t, execute(context.Background(), &out, "config", "init", "--kind", "remote", "--out", path, "--force"))
	require.NoError(t, execute(context.Background(), &out, "config", "validate", path))
	require.Contains(t, out.String(), path+": ok")

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("remote_prot = 1\n"), 0o600))
	if err := execute(context.Background(), &out, "config", "validate", bad); !errors.Is(err, config.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}

	var printed syncBuffer
	require.NoError(t, execute(context.Background(), &printed, "config", "init"))
	require.True(t, strings.HasPrefix(printed.String(), "# agentwire controller config"), printed.String())
}

func TestPortsJSONAndPace(t *testing.T) {
	testlog.Start(t)

	var out syncBuffer
	if err := execute(context.Background(), &out, "ports", "--host", "127.0.0.1", "--from", "2440", "--to", "2450", "--pace", "--json"); err != nil {
		t.Fatalf("ports: %v", err)
	}
	var report portsReport
	require.NoError(t, json.Unmarshal([]byte(out.String()), &report))
	require.True(t, report.Paced)
	require.Equal(t, 2440, report.From)
	for _, port := range report.Available {
		if port < 2440 || port > 2450 || (port-2440)%session.PortPace != 0 {
			t.Fatalf("port %d outside the paced range", port)
		}
	}

	if err := execute(context.Background(), &out, "ports", "--from", "10", "--to", "5"); err == nil {
		t.Fatalf("expected an inverted range to fail")
	}
}

func TestOnPace(t *testing.T) {
	testlog.Start(t)

	got := onPace([]int{2410, 2411, 2412, 2415, 2416}, 2410)
	if diff := cmp.Diff([]int{2410, 2412, 2416}, got); diff != "" {
		t.Fatalf("paced (-want +got):\n%s", diff)
	}
}

func TestListenAndDialOnce(t *testing.T) {
	testlog.Start(t)

	key := "AGENTWIRE_TEST_CLI_PORT"
	t.Setenv(key, "")
	portFile := filepath.Join(t.TempDir(), "remote.port")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var listenOut syncBuffer
	listenDone := make(chan error, 1)
	go func() {
		listenDone <- execute(ctx, &listenOut, "listen", "--ack",
			"--host", "127.0.0.1", "--ephemeral",
			"--publish-key", key, "--port-file", portFile)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(portFile); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("remote never published its port; output:\n%s", listenOut.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	var dialOut syncBuffer
	err := execute(ctx, &dialOut, "dial", "--discover", "--once",
		"--host", "127.0.0.1", "--publish-key", key, "--port-file", portFile,
		"--props", "mode=fast")
	if err != nil {
		t.Fatalf("dial: %v\n%s", err, dialOut.String())
	}

	select {
	case err := <-listenDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("listen did not exit after controller shutdown; output:\n%s", listenOut.String())
	}

	dial := dialOut.String()
	for _, want := range []string{"connected", "running", "resultprops mode=fast", "1 properties"} {
		require.Contains(t, dial, want)
	}
	listen := listenOut.String()
	for _, want := range []string{"listening port=", "controller connected", "dispatchprops mode=fast", "remote shutdown:"} {
		require.Contains(t, listen, want)
	}
}
