package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
)

func clientTLSConfig(cfg Config) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(cfg.TLS.ServerName)
	if serverName == "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, err
		}
		serverName = u.Hostname()
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("rpc: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}

	if cfg.TLS.Mutual() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
