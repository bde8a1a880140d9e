package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/objrpc/internal/config"
	"github.com/danmuck/objrpc/internal/identity"
	"github.com/danmuck/objrpc/internal/runtime"
	"github.com/danmuck/objrpc/internal/testutil/testlog"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEndpointCommandPrintsCanonicalFormAndWire(t *testing.T) {
	testlog.Start(t)
	out, err := run(t, "endpoint", "tcp -p 10000 -z:ws -h 127.0.0.1 -p 10001 -r /hello")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	for _, want := range []string{"tcp -h 127.0.0.1 -p 10000", "-z", "protocol=ws type=4", "wire=0100"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := run(t, "endpoint", "carrier-pigeon -h roof"); err == nil {
		t.Fatal("unknown protocol accepted")
	}
}

func TestProxyCommandPrintsFields(t *testing.T) {
	testlog.Start(t)
	out, err := run(t, "proxy", "greeter/hello -f v2 -o:tcp -h 127.0.0.1 -p 10000")
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	for _, want := range []string{`identity=greeter/hello facet="v2" mode=oneway`, "endpoint=tcp -h 127.0.0.1 -p 10000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	out, err = run(t, "proxy", "hello @ Greeter")
	if err != nil || !strings.Contains(out, "adapter=Greeter") {
		t.Fatalf("indirect proxy = %q, %v", out, err)
	}
}

func TestPingCommand(t *testing.T) {
	testlog.Start(t)
	rt, err := runtime.New(config.Default(), runtime.WithLogger(testlog.Logger(t, "runtime")))
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Destroy(context.Background()) })
	a, err := rt.CreateObjectAdapterWithEndpoints(context.Background(), "Ping", "tcp -h 127.0.0.1 -p 0")
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	ref, err := a.Add(rt.NewProcessServant(), runtime.ProcessIdentity)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	out, err := run(t, "ping", ref.String())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.HasPrefix(out, "ok admin/process type=::Ice::Process") {
		t.Fatalf("ping output = %q", out)
	}
	if _, err := run(t, "ping", ref.WithIdentity(identity.New("nobody", "admin")).String()); err == nil {
		t.Fatal("ping of a missing object succeeded")
	}
}

func TestConfigInitThenShow(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "objrpc.toml")
	if _, err := run(t, "config", "init", "-o", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := run(t, "config", "init", "-o", path); err == nil {
		t.Fatal("init overwrote without --force")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("template missing: %v", err)
	}
	out, err := run(t, "config", "show", "-c", path)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "compression") || !strings.Contains(out, "Hello") {
		t.Fatalf("show output:\n%s", out)
	}
}

func TestServeRequiresAdapters(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "empty.toml")
	if err := os.WriteFile(path, []byte("[default]\nprotocol = \"tcp\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := run(t, "serve", "-c", path); err == nil || !strings.Contains(err.Error(), "no adapters") {
		t.Fatalf("serve err = %v", err)
	}
}
