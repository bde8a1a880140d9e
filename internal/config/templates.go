package config

import (
	"fmt"
	"os"
)

// Template returns an annotated sample configuration.
func Template() string {
	return runtimeTemplate
}

// WriteTemplate writes the sample configuration to path, refusing to
// replace an existing file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config: already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(runtimeTemplate), 0o600)
}

const runtimeTemplate = `[default]
protocol = "tcp"
host = "127.0.0.1"
timeout = "5s"
router = ""
collocation = true
compression = "zstd"
compression_threshold = 100
retry_attempts = 0
retry_delay = "250ms"
retry_max_delay = "5s"

[trace]
network = 0
protocol = 0
retry = 0
slicing = 0
location = 0

[tls]
ca_file = ""
cert_file = ""
key_file = ""
server_name = ""
insecure_skip_verify = false

[[adapters]]
name = "Hello"
endpoints = "tcp -h 127.0.0.1 -p 10000:ws -h 127.0.0.1 -p 10001 -r /hello"
published_endpoints = ""
router = ""

[admin]
addr = "127.0.0.1:7080"
cors_origins = ["http://localhost:3000"]
token = ""                  # bearer token for /adapters and /metrics
`
