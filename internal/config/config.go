// Package config loads the runtime configuration from TOML.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/objrpc/internal/endpoint"
	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/protocol/frame"
	pelletier "github.com/pelletier/go-toml/v2"
)

// Runtime is the resolved configuration of one runtime.
type Runtime struct {
	Default  Defaults
	Trace    logging.TraceLevels
	TLS      endpoint.TLSFiles
	Adapters []Adapter
	Admin    Admin
}

type Defaults struct {
	Protocol             string
	Host                 string
	Timeout              time.Duration
	Router               string
	Collocation          bool
	Compression          frame.Compression
	CompressionThreshold int
	MaxMessageBytes      uint32
	RetryAttempts        int
	RetryDelay           time.Duration
	RetryMaxDelay        time.Duration
}

type Adapter struct {
	Name               string
	Endpoints          string
	PublishedEndpoints string
	Router             string
}

type Admin struct {
	Addr string
	// CORSOrigins lists browser origins allowed to call the admin surface.
	CORSOrigins []string
	// Token, when set, is the bearer token /adapters and /metrics require.
	Token string
}

func Default() Runtime {
	return Runtime{
		Default: Defaults{
			Protocol:             "tcp",
			Host:                 "127.0.0.1",
			Timeout:              5 * time.Second,
			Collocation:          true,
			Compression:          frame.CompressionZstd,
			CompressionThreshold: 100,
			MaxMessageBytes:      frame.DefaultLimits().MaxPayloadBytes,
			RetryDelay:           250 * time.Millisecond,
			RetryMaxDelay:        5 * time.Second,
		},
	}
}

// Adapter returns the adapter section named name.
func (r Runtime) Adapter(name string) (Adapter, bool) {
	for _, a := range r.Adapters {
		if a.Name == name {
			return a, true
		}
	}
	return Adapter{}, false
}

type fileConfig struct {
	Default  fileDefaults  `toml:"default"`
	Trace    fileTrace     `toml:"trace"`
	TLS      fileTLS       `toml:"tls"`
	Adapters []fileAdapter `toml:"adapters"`
	Admin    fileAdmin     `toml:"admin"`
}

type fileDefaults struct {
	Protocol             string `toml:"protocol"`
	Host                 string `toml:"host"`
	Timeout              string `toml:"timeout"`
	Router               string `toml:"router"`
	Collocation          bool   `toml:"collocation"`
	Compression          string `toml:"compression"`
	CompressionThreshold int    `toml:"compression_threshold"`
	MaxMessageBytes      int64  `toml:"max_message_bytes"`
	RetryAttempts        int    `toml:"retry_attempts"`
	RetryDelay           string `toml:"retry_delay"`
	RetryMaxDelay        string `toml:"retry_max_delay"`
}

type fileTrace struct {
	Network  int `toml:"network"`
	Protocol int `toml:"protocol"`
	Retry    int `toml:"retry"`
	Slicing  int `toml:"slicing"`
	Location int `toml:"location"`
}

type fileTLS struct {
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileAdapter struct {
	Name               string `toml:"name"`
	Endpoints          string `toml:"endpoints"`
	PublishedEndpoints string `toml:"published_endpoints"`
	Router             string `toml:"router"`
}

type fileAdmin struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

// Load reads path over Default. Keys absent from the file keep their
// defaults.
func Load(path string) (Runtime, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Runtime{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	return resolve(raw, meta)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Runtime, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Runtime{}, fmt.Errorf("config: parse: %w", err)
	}
	return resolve(raw, meta)
}

func duration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", key)
	}
	return d, nil
}

func resolve(raw fileConfig, meta toml.MetaData) (Runtime, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Runtime{}, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}
	cfg := Default()
	d := &cfg.Default
	var err error

	if meta.IsDefined("default", "protocol") {
		d.Protocol = strings.TrimSpace(raw.Default.Protocol)
	}
	if meta.IsDefined("default", "host") {
		d.Host = strings.TrimSpace(raw.Default.Host)
	}
	if meta.IsDefined("default", "timeout") {
		if d.Timeout, err = duration("default.timeout", raw.Default.Timeout); err != nil {
			return Runtime{}, err
		}
	}
	if meta.IsDefined("default", "router") {
		d.Router = strings.TrimSpace(raw.Default.Router)
	}
	if meta.IsDefined("default", "collocation") {
		d.Collocation = raw.Default.Collocation
	}
	if meta.IsDefined("default", "compression") {
		if d.Compression, err = frame.ParseCompression(raw.Default.Compression); err != nil {
			return Runtime{}, fmt.Errorf("config: default.compression: %w", err)
		}
	}
	if meta.IsDefined("default", "compression_threshold") {
		d.CompressionThreshold = raw.Default.CompressionThreshold
	}
	if meta.IsDefined("default", "max_message_bytes") {
		if raw.Default.MaxMessageBytes <= 0 || raw.Default.MaxMessageBytes > 1<<31 {
			return Runtime{}, fmt.Errorf("config: default.max_message_bytes out of range: %d", raw.Default.MaxMessageBytes)
		}
		d.MaxMessageBytes = uint32(raw.Default.MaxMessageBytes)
	}
	if meta.IsDefined("default", "retry_attempts") {
		d.RetryAttempts = raw.Default.RetryAttempts
	}
	if meta.IsDefined("default", "retry_delay") {
		if d.RetryDelay, err = duration("default.retry_delay", raw.Default.RetryDelay); err != nil {
			return Runtime{}, err
		}
	}
	if meta.IsDefined("default", "retry_max_delay") {
		if d.RetryMaxDelay, err = duration("default.retry_max_delay", raw.Default.RetryMaxDelay); err != nil {
			return Runtime{}, err
		}
	}

	cfg.Trace = logging.TraceLevels{
		Network:  raw.Trace.Network,
		Protocol: raw.Trace.Protocol,
		Retry:    raw.Trace.Retry,
		Slicing:  raw.Trace.Slicing,
		Location: raw.Trace.Location,
	}
	cfg.TLS = endpoint.TLSFiles{
		CAFile:             strings.TrimSpace(raw.TLS.CAFile),
		CertFile:           strings.TrimSpace(raw.TLS.CertFile),
		KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
		ServerName:         strings.TrimSpace(raw.TLS.ServerName),
		InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
	}
	for _, a := range raw.Adapters {
		cfg.Adapters = append(cfg.Adapters, Adapter{
			Name:               strings.TrimSpace(a.Name),
			Endpoints:          strings.TrimSpace(a.Endpoints),
			PublishedEndpoints: strings.TrimSpace(a.PublishedEndpoints),
			Router:             strings.TrimSpace(a.Router),
		})
	}
	cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	cfg.Admin.CORSOrigins = raw.Admin.CORSOrigins
	cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)

	if err := Validate(cfg); err != nil {
		return Runtime{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func Validate(cfg Runtime) error {
	if cfg.Default.Protocol == "" {
		return fmt.Errorf("config: default.protocol is required")
	}
	if cfg.Default.CompressionThreshold < 0 {
		return fmt.Errorf("config: default.compression_threshold must not be negative")
	}
	if cfg.Default.RetryAttempts < 0 {
		return fmt.Errorf("config: default.retry_attempts must not be negative")
	}
	seen := make(map[string]struct{}, len(cfg.Adapters))
	for i, a := range cfg.Adapters {
		if a.Name == "" {
			return fmt.Errorf("config: adapters[%d] missing name", i)
		}
		if _, ok := seen[a.Name]; ok {
			return fmt.Errorf("config: adapters[%d] duplicate name %q", i, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	if cfg.TLS.Enabled() {
		if err := cfg.TLS.ValidateClient(); err != nil {
			return fmt.Errorf("config: tls: %w", err)
		}
	}
	return nil
}

// Render writes cfg back out as TOML in the file layout Load reads.
func Render(cfg Runtime) ([]byte, error) {
	raw := fileConfig{
		Default: fileDefaults{
			Protocol:             cfg.Default.Protocol,
			Host:                 cfg.Default.Host,
			Timeout:              cfg.Default.Timeout.String(),
			Router:               cfg.Default.Router,
			Collocation:          cfg.Default.Collocation,
			Compression:          cfg.Default.Compression.String(),
			CompressionThreshold: cfg.Default.CompressionThreshold,
			MaxMessageBytes:      int64(cfg.Default.MaxMessageBytes),
			RetryAttempts:        cfg.Default.RetryAttempts,
			RetryDelay:           cfg.Default.RetryDelay.String(),
			RetryMaxDelay:        cfg.Default.RetryMaxDelay.String(),
		},
		Trace: fileTrace{
			Network:  cfg.Trace.Network,
			Protocol: cfg.Trace.Protocol,
			Retry:    cfg.Trace.Retry,
			Slicing:  cfg.Trace.Slicing,
			Location: cfg.Trace.Location,
		},
		TLS: fileTLS{
			CAFile:             cfg.TLS.CAFile,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		},
		Admin: fileAdmin{Addr: cfg.Admin.Addr, CORSOrigins: cfg.Admin.CORSOrigins, Token: cfg.Admin.Token},
	}
	for _, a := range cfg.Adapters {
		raw.Adapters = append(raw.Adapters, fileAdapter(a))
	}
	out, err := pelletier.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: render: %w", err)
	}
	return out, nil
}
