// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avollmer/idhub/internal/config"
	"golang.org/x/crypto/acme/autocert"
)

// TLSMode is the resolved TLS mode.
type TLSMode string

const (
	TLSModeOff        TLSMode = "off"
	TLSModeACME       TLSMode = "acme"
	TLSModeSelfSigned TLSMode = "selfsigned"
	TLSModeManual     TLSMode = "manual"
)

// TLSResult carries the resolved TLS configuration.
type TLSResult struct {
	TLSConfig   *tls.Config
	CertManager *autocert.Manager // nil unless ACME mode
	HTTPHandler http.Handler      // HTTP-01 challenge + redirect handler (ACME only)
	Mode        TLSMode
}

// SetupTLS resolves the TLS mode and builds the matching configuration.
func SetupTLS(cfg *config.Config) (*TLSResult, error) {
	switch mode := resolveTLSMode(cfg); mode {
	case TLSModeOff:
		slog.Info("TLS off")
		return &TLSResult{Mode: TLSModeOff}, nil
	case TLSModeACME:
		return setupACME(cfg)
	case TLSModeSelfSigned:
		return setupSelfSigned(cfg)
	case TLSModeManual:
		return setupManual(cfg)
	default:
		return nil, fmt.Errorf("unknown TLS mode: %s", mode)
	}
}

func resolveTLSMode(cfg *config.Config) TLSMode {
	switch strings.ToLower(cfg.TLS.Mode) {
	case "off":
		return TLSModeOff
	case "acme":
		return TLSModeACME
	case "selfsigned":
		return TLSModeSelfSigned
	case "manual":
		return TLSModeManual
	case "auto", "":
	default:
		slog.Warn("unknown TLS mode, using auto", "mode", cfg.TLS.Mode)
	}

	host := cfg.Server.Host
	if config.IsLocalhost(host) {
		return TLSModeOff
	}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		return TLSModeManual
	}
	// ACME needs a DNS name, an account mail and both well-known ports.
	if net.ParseIP(host) == nil && cfg.TLS.Email != "" && portAvailable(80) && portAvailable(443) {
		return TLSModeACME
	}
	return TLSModeSelfSigned
}

func portAvailable(port int) bool {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func setupACME(cfg *config.Config) (*TLSResult, error) {
	if cfg.TLS.Email == "" {
		return nil, fmt.Errorf("ACME mode requires tls-email")
	}
	if !portAvailable(80) || !portAvailable(443) {
		return nil, fmt.Errorf("ACME mode requires ports 80 and 443")
	}
	if cfg.Server.Port != 443 {
		slog.Warn("ACME mode uses port 443, configured port is ignored", "configured_port", cfg.Server.Port)
	}

	certDir := filepath.Join(cfg.TLS.CertDir, "acme")
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating ACME cert directory: %w", err)
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      cfg.TLS.Email,
		Cache:      autocert.DirCache(certDir),
		HostPolicy: autocert.HostWhitelist(cfg.Server.Host),
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	slog.Info("TLS via Let's Encrypt", "host", cfg.Server.Host, "email", cfg.TLS.Email)
	return &TLSResult{
		Mode:        TLSModeACME,
		TLSConfig:   tlsConfig,
		CertManager: manager,
		HTTPHandler: manager.HTTPHandler(nil),
	}, nil
}

func setupSelfSigned(cfg *config.Config) (*TLSResult, error) {
	certDir := filepath.Join(cfg.TLS.CertDir, "selfsigned")
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cert directory: %w", err)
	}
	certFile := filepath.Join(certDir, "cert.pem")
	keyFile := filepath.Join(certDir, "key.pem")

	cert, err := loadUsableCert(certFile, keyFile)
	if err != nil {
		slog.Info("generating self-signed certificate", "reason", err)
		cert, err = generateSelfSignedCert(cfg.Server.Host, certFile, keyFile)
		if err != nil {
			return nil, err
		}
	}

	logCertFingerprint(cert)
	slog.Warn("self-signed certificate: accept it in your browser on first visit")
	return &TLSResult{Mode: TLSModeSelfSigned, TLSConfig: tlsConfigFor(cert)}, nil
}

func setupManual(cfg *config.Config) (*TLSResult, error) {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return nil, fmt.Errorf("manual TLS mode requires both tls-cert-file and tls-key-file")
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	slog.Info("TLS via manual certificate", "cert", cfg.TLS.CertFile)
	logCertFingerprint(&cert)
	return &TLSResult{Mode: TLSModeManual, TLSConfig: tlsConfigFor(&cert)}, nil
}

// loadUsableCert loads an existing self-signed pair unless it is
// missing, unreadable or expires within 30 days.
func loadUsableCert(certFile, keyFile string) (*tls.Certificate, error) {
	if _, err := os.Stat(certFile); err != nil {
		return nil, fmt.Errorf("no certificate on disk")
	}
	if _, err := os.Stat(keyFile); err != nil {
		return nil, fmt.Errorf("no key on disk")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("existing certificate unreadable: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("existing certificate unparsable: %w", err)
	}
	if time.Until(leaf.NotAfter) < 30*24*time.Hour {
		return nil, fmt.Errorf("existing certificate expires soon")
	}
	return &cert, nil
}

// generateSelfSignedCert writes a fresh ECDSA P-256 pair valid for one
// year, with SANs for the host plus localhost.
func generateSelfSignedCert(host, certFile, keyFile string) (*tls.Certificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Self-Signed"},
			CommonName:   host,
		},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}
	template.DNSNames = append(template.DNSNames, "localhost")
	template.IPAddresses = append(template.IPAddresses, net.ParseIP("127.0.0.1"), net.ParseIP("::1"))

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing cert file: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading generated cert: %w", err)
	}
	return &cert, nil
}

func logCertFingerprint(cert *tls.Certificate) {
	if len(cert.Certificate) == 0 {
		return
	}
	fingerprint := sha256.Sum256(cert.Certificate[0])
	hexParts := make([]string, len(fingerprint))
	for i, b := range fingerprint {
		hexParts[i] = fmt.Sprintf("%02X", b)
	}
	slog.Info("certificate fingerprint", "sha256", strings.Join(hexParts, ":"))
}

func tlsConfigFor(cert *tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}
}
