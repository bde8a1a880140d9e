package endpoint

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrTLSServerRequired   = errors.New("endpoint: ssl acceptor requires a server tls config")
	ErrTLSCertFileRequired = errors.New("endpoint: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("endpoint: tls key file required")
	ErrTLSCAFileRequired   = errors.New("endpoint: tls ca file required")
)

// TLSFiles names the PEM material used to build TLS configs.
type TLSFiles struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Enabled reports whether any TLS material is configured.
func (f TLSFiles) Enabled() bool {
	return strings.TrimSpace(f.CAFile) != "" || strings.TrimSpace(f.CertFile) != "" || f.InsecureSkipVerify
}

// ValidateClient checks that a client config can be built.
func (f TLSFiles) ValidateClient() error {
	if strings.TrimSpace(f.CAFile) == "" && !f.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if (strings.TrimSpace(f.CertFile) == "") != (strings.TrimSpace(f.KeyFile) == "") {
		if strings.TrimSpace(f.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		return ErrTLSKeyFileRequired
	}
	return nil
}

// ValidateServer checks that a server config can be built.
func (f TLSFiles) ValidateServer() error {
	if strings.TrimSpace(f.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(f.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	return nil
}

// ClientConfig builds the client-side config. A configured cert/key pair
// is presented to servers that request one.
func (f TLSFiles) ClientConfig() (*tls.Config, error) {
	if err := f.ValidateClient(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: f.InsecureSkipVerify,
		ServerName:         strings.TrimSpace(f.ServerName),
	}
	if caPath := strings.TrimSpace(f.CAFile); caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if strings.TrimSpace(f.CertFile) != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerConfig builds the server-side config. When a CA is configured
// client certificates are required and verified against it.
func (f TLSFiles) ServerConfig() (*tls.Config, error) {
	if err := f.ValidateServer(); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if caPath := strings.TrimSpace(f.CAFile); caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("endpoint: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
