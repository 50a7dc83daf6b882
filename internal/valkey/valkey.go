// Package valkey connects to the Redis/Valkey instance used both as the event bus and as the pre-auth token store.
package valkey

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// TLSConfig carries the optional TLS parameters for the bus connection. A zero value means plain TCP.
type TLSConfig struct {
	CertFile             string
	KeyFile              string
	CAFile               string
	DontValidateHostname bool
	Insecure             bool
}

func (c TLSConfig) enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.CAFile != "" || c.Insecure
}

// buildTLSConfig turns a TLSConfig into a *tls.Config, or nil if TLS is not requested.
func buildTLSConfig(c TLSConfig) (*tls.Config, error) {
	if !c.enabled() {
		return nil, nil
	}

	cfg := &tls.Config{InsecureSkipVerify: c.Insecure}

	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load valkey client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read valkey CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}

	if c.DontValidateHostname && !c.Insecure {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChainOnly(cfg)
	}

	return cfg, nil
}

// verifyChainOnly builds a VerifyPeerCertificate callback that checks the certificate chain against cfg.RootCAs
// without checking that the leaf's hostname matches the dial address, for deployments that connect to Valkey by an
// address that does not appear in the certificate's SAN list.
func verifyChainOnly(cfg *tls.Config) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("no certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if cert, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(cert)
			}
		}
		_, err = leaf.Verify(x509.VerifyOptions{Roots: cfg.RootCAs, Intermediates: intermediates})
		return err
	}
}

// Connect parses the Valkey URL, connects, and pings to verify the connection. The valkey:// scheme is replaced with
// redis:// for go-redis compatibility. The dialTimeout parameter controls how long the client waits when
// establishing new connections. A zero-value tlsCfg leaves the connection as plain TCP.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration, tlsCfg TLSConfig) (*redis.Client, error) {
	// go-redis only understands the redis:// scheme, so replace valkey:// (case-insensitive) before parsing.
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	tc, err := buildTLSConfig(tlsCfg)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		opts.TLSConfig = tc
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}

	return client, nil
}
