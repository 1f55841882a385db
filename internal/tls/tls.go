// Package tls builds the daemon's server TLS configuration.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File names used inside Options.Dir.
const (
	CertFile = "tls.crt"
	KeyFile  = "tls.key"
)

// Options selects the certificate source. Explicit files win over Dir.
type Options struct {
	CertFile string
	KeyFile  string
	// Dir holds tls.crt and tls.key; with AutoGenerate they are created
	// self-signed when missing.
	Dir          string
	AutoGenerate bool
	Hosts        []string
	MinVersion   string // "1.2" or "1.3"; empty means 1.2
}

// Enabled reports whether any certificate source is configured.
func (o Options) Enabled() bool {
	return (o.CertFile != "" && o.KeyFile != "") || o.Dir != ""
}

func parseVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(v), "tls") {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", v)
}

// Setup returns the server TLS config, or nil when TLS is not configured.
// Certificates are re-read on every handshake, so replacing the files on
// disk takes effect without a restart.
func Setup(o Options) (*tls.Config, error) {
	if !o.Enabled() {
		return nil, nil
	}
	minVer, err := parseVersion(o.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := o.CertFile, o.KeyFile
	if certPath == "" || keyPath == "" {
		certPath, keyPath = filepath.Join(o.Dir, CertFile), filepath.Join(o.Dir, KeyFile)
		if o.AutoGenerate && !exists(certPath, keyPath) {
			if err := os.MkdirAll(o.Dir, 0o700); err != nil {
				return nil, fmt.Errorf("tls dir: %w", err)
			}
			hosts := o.Hosts
			if len(hosts) == 0 {
				hosts = []string{"localhost", "127.0.0.1"}
			}
			if err := GenerateSelfSigned(CertConfig{Hosts: hosts, CertPath: certPath, KeyPath: keyPath}); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &c, nil
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return false
		}
	}
	return true
}
