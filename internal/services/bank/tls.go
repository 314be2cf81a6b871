package bank

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

type TLSConfig struct {
	CertPath string
	KeyPath  string
	// CAPaths are PEM or DER bundles trusted in addition to the system pool.
	CAPaths            []string
	InsecureSkipVerify bool
}

// NewTransport builds the mutual-TLS transport used for every bank call.
func NewTransport(cfg TLSConfig) (*http.Transport, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("[bank] load transport key pair: %w", err)
	}

	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	for _, path := range cfg.CAPaths {
		if err := appendCertificates(roots, path); err != nil {
			return nil, err
		}
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			RootCAs:            roots,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}, nil
}

func appendCertificates(pool *x509.CertPool, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("[bank] read CA bundle %s: %w", path, err)
	}
	if pool.AppendCertsFromPEM(raw) {
		return nil
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return fmt.Errorf("[bank] CA bundle %s holds no certificates", path)
	}
	pool.AddCert(cert)
	return nil
}
