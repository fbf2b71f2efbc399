// Package tlsconfig builds TLS 1.3 configurations for the dashboard and
// health listeners and the health client.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var ErrInvalidCA = errors.New("no certificates found in CA file")

// Config holds the paths of the PEM files to load. In server mode a CA
// enables mutual TLS. In client mode the certificate is optional and the CA
// replaces the system roots.
type Config struct {
	CertPath   string
	KeyPath    string
	CACertPath string
	ServerName string
	Server     bool
}

// SetupTLS loads the files named in config.
func SetupTLS(config *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: config.ServerName,
	}

	if config.CertPath != "" || config.Server {
		cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}

		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if config.CACertPath == "" {
		return tlsConfig, nil
	}

	pool, err := loadCA(config.CACertPath)
	if err != nil {
		return nil, err
	}

	if config.Server {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	} else {
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func loadCA(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCA, path)
	}

	return pool, nil
}
