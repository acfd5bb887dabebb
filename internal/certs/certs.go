package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when the certificate or its key is missing
var ErrNotFound = errors.New("certificate or key not found")

const organization = "GeoEcho"

// Info describes a certificate on disk
type Info struct {
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	DNSNames    []string  `json:"dns_names"`
	IPAddresses []net.IP  `json:"ip_addresses"`
	IsCA        bool      `json:"is_ca"`
}

// Manager owns a certificate/key pair used by the HTTPS listener
type Manager struct {
	certPath string
	keyPath  string
	logger   *logrus.Logger
	now      func() time.Time
}

// NewManager creates a certificate manager for the given file pair
func NewManager(certPath, keyPath string, logger *logrus.Logger) *Manager {
	return &Manager{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logger,
		now:      time.Now,
	}
}

// Paths returns the certificate and key file locations
func (m *Manager) Paths() (string, string) {
	return m.certPath, m.keyPath
}

// splitHosts separates a comma list into DNS names and IP addresses
func splitHosts(hosts string) ([]string, []net.IP) {
	var (
		names []string
		ips   []net.IP
	)
	for _, host := range strings.Split(hosts, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		} else {
			names = append(names, host)
		}
	}
	return names, ips
}

// Generate writes a fresh self-signed ECDSA P-256 certificate for hosts,
// replacing any existing pair.
func (m *Manager) Generate(hosts string, validDays int) error {
	if validDays <= 0 {
		return fmt.Errorf("invalid validity period: %d days", validDays)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := m.now()
	names, ips := splitHosts(hosts)
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{organization}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(time.Duration(validDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              names,
		IPAddresses:           ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := writePEM(m.certPath, "CERTIFICATE", certDER, 0o444); err != nil {
		return err
	}
	if err := writePEM(m.keyPath, "PRIVATE KEY", keyDER, 0o400); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"cert":      m.certPath,
		"dns_names": names,
		"ips":       len(ips),
		"not_after": template.NotAfter.Format(time.RFC3339),
	}).Info("Self-signed certificate generated")
	return nil
}

// writePEM replaces path with a single PEM block. The file is written to a
// temporary sibling first so a failed write never leaves a truncated file.
func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := pem.Encode(tmp, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Exists reports whether both the certificate and the key are present
func (m *Manager) Exists() bool {
	for _, path := range []string{m.certPath, m.keyPath} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

func (m *Manager) readCertificate() (*x509.Certificate, error) {
	if !m.Exists() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(m.certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM in %s", m.certPath)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Validate checks that the certificate parses and is currently valid
func (m *Manager) Validate() error {
	cert, err := m.readCertificate()
	if err != nil {
		return err
	}

	now := m.now()
	switch {
	case now.Before(cert.NotBefore):
		return fmt.Errorf("certificate is not valid before %s", cert.NotBefore.Format(time.RFC3339))
	case now.After(cert.NotAfter):
		return fmt.Errorf("certificate expired at %s", cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// Info describes the certificate on disk
func (m *Manager) Info() (*Info, error) {
	cert, err := m.readCertificate()
	if err != nil {
		return nil, err
	}

	return &Info{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		DNSNames:    cert.DNSNames,
		IPAddresses: cert.IPAddresses,
		IsCA:        cert.IsCA,
	}, nil
}

// TLSConfig loads the pair into a server configuration restricted to TLS 1.2+
// and AEAD cipher suites.
func (m *Manager) TLSConfig() (*tls.Config, error) {
	if !m.Exists() {
		return nil, ErrNotFound
	}

	pair, err := tls.LoadX509KeyPair(m.certPath, m.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
		// TLS 1.3 suites are not configurable
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384},
	}, nil
}

// Ensure generates a pair when generate is set and none exists, then validates
// the pair. An externally supplied pair is never overwritten.
func (m *Manager) Ensure(generate bool, hosts string, validDays int) error {
	if !m.Exists() {
		if !generate {
			return ErrNotFound
		}
		if err := m.Generate(hosts, validDays); err != nil {
			return err
		}
	}
	return m.Validate()
}
