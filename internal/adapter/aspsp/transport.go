package aspsp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TransportConfig configures the outbound client used for institution calls.
type TransportConfig struct {
	MTLSEnabled bool
	CertPEM     []byte
	KeyPEM      []byte
	IssuingCA   []byte
	Timeout     time.Duration
}

// NewHTTPClient builds a traced HTTP client, presenting the transport
// certificate when mTLS is enabled.
func NewHTTPClient(cfg TransportConfig) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.MTLSEnabled {
		cert, err := tls.X509KeyPair(cfg.CertPEM, cfg.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("load transport certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
		if len(cfg.IssuingCA) > 0 {
			pool, err := x509.SystemCertPool()
			if err != nil || pool == nil {
				pool = x509.NewCertPool()
			}
			if !pool.AppendCertsFromPEM(cfg.IssuingCA) {
				return nil, errors.New("issuing CA is not valid PEM")
			}
			tlsCfg.RootCAs = pool
		}
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = tlsCfg

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(base),
		Timeout:   timeout,
	}, nil
}
