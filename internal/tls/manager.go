package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"checkout-service/internal/config"
	"checkout-service/internal/util"
)

var ErrNoCertificate = errors.New("no TLS certificate available")

// TLSManager resolves the serving certificate: ACME when autocert is on,
// then the configured key pair, then (outside production) a self-signed
// development certificate.
type TLSManager struct {
	domain     string
	certFile   string
	keyFile    string
	certDir    string
	production bool

	autoCert *autocert.Manager

	mu       sync.Mutex
	fallback *tls.Certificate
}

func NewTLSManager(cfg *config.Config) *TLSManager {
	m := &TLSManager{
		domain:     cfg.Server.Domain,
		certFile:   cfg.Server.CertFile,
		keyFile:    cfg.Server.KeyFile,
		certDir:    cfg.Server.AutoCertDir,
		production: cfg.IsProduction(),
	}

	if cfg.Server.EnableTLS && cfg.Server.AutoCert {
		m.setupAutoCert(cfg.Server.Email)
	}
	return m
}

func (m *TLSManager) setupAutoCert(email string) {
	if err := os.MkdirAll(m.certDir, 0o700); err != nil {
		util.Warn("Could not create autocert directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.domain),
		Cache:      autocert.DirCache(m.certDir),
		Email:      email,
	}

	util.Info("AutoCert configured",
		util.String("domain", m.domain),
		util.String("cache_dir", m.certDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert lookup failed", util.String("server_name", hello.ServerName), util.ErrorField(err))
	}

	if m.certFile != "" && m.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
		if err == nil {
			return &cert, nil
		}
		util.Warn("Failed to load configured key pair", util.ErrorField(err))
	}

	if m.production {
		return nil, ErrNoCertificate
	}
	return m.devCertificate()
}

func (m *TLSManager) devCertificate() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fallback != nil {
		return m.fallback, nil
	}

	hosts := []string{m.domain, "localhost", "127.0.0.1", "::1"}
	cert, err := NewDevCertGenerator(m.certDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.fallback = &cert
	return m.fallback, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	cfg := &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	if m.autoCert != nil {
		cfg.NextProtos = append(cfg.NextProtos, "acme-tls/1")
	}
	return cfg
}

// AutocertManager is nil unless autocert is enabled.
func (m *TLSManager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
