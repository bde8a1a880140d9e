package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/objrpc/internal/protocol/frame"
	"github.com/danmuck/objrpc/internal/testutil/testlog"
)

func TestLoadTemplateOverridesDefaults(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "objrpc.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected existing file to be kept")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Default.Protocol != "tcp" || cfg.Default.Timeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg.Default)
	}
	if cfg.Default.Compression != frame.CompressionZstd || cfg.Default.RetryDelay != 250*time.Millisecond {
		t.Fatalf("unexpected compression/retry: %+v", cfg.Default)
	}
	a, ok := cfg.Adapter("Hello")
	if !ok || !strings.Contains(a.Endpoints, "-r /hello") {
		t.Fatalf("adapter section not loaded: %+v", cfg.Adapters)
	}
	if cfg.Admin.Addr != "127.0.0.1:7080" {
		t.Fatalf("unexpected admin addr %q", cfg.Admin.Addr)
	}
}

func TestAbsentKeysKeepDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := Parse(`
[default]
protocol = "ws"
collocation = false

[trace]
network = 2
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	def := Default()
	if cfg.Default.Protocol != "ws" || cfg.Default.Collocation {
		t.Fatalf("overrides not applied: %+v", cfg.Default)
	}
	if cfg.Default.Host != def.Default.Host || cfg.Default.Timeout != def.Default.Timeout {
		t.Fatalf("defaults lost: %+v", cfg.Default)
	}
	if cfg.Trace.Network != 2 || cfg.Trace.Protocol != 0 {
		t.Fatalf("unexpected trace levels: %+v", cfg.Trace)
	}
}

func TestInvalidConfigs(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"bad duration":      "[default]\ntimeout = \"soon\"\n",
		"negative duration": "[default]\nretry_delay = \"-1s\"\n",
		"bad compression":   "[default]\ncompression = \"gzip\"\n",
		"unknown key":       "[default]\nprotocl = \"tcp\"\n",
		"empty protocol":    "[default]\nprotocol = \"\"\n",
		"negative retries":  "[default]\nretry_attempts = -1\n",
		"unnamed adapter":   "[[adapters]]\nendpoints = \"tcp\"\n",
		"duplicate adapter": "[[adapters]]\nname = \"A\"\n[[adapters]]\nname = \"A\"\n",
		"tls without ca":    "[tls]\ncert_file = \"c.pem\"\nkey_file = \"k.pem\"\n",
		"message size":      "[default]\nmax_message_bytes = 0\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(data); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}

func TestRenderRoundTrip(t *testing.T) {
	testlog.Start(t)

	cfg, err := Parse(Template())
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	cfg.Default.RetryAttempts = 3
	out, err := Render(cfg)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	path := filepath.Join(t.TempDir(), "rendered.toml")
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("load rendered config: %v\n%s", err, out)
	}
	if again.Default != cfg.Default || again.Admin.Addr != cfg.Admin.Addr || !slices.Equal(again.Admin.CORSOrigins, cfg.Admin.CORSOrigins) || len(again.Adapters) != 1 || again.Adapters[0] != cfg.Adapters[0] {
		t.Fatalf("render round trip changed config:\n%s", out)
	}
}
