// Package tls generates and persists the broker's self-signed TLS
// certificate.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// maxCertAge triggers regeneration once the persisted certificate is
// older than this, so a long-lived broker doesn't serve an expired cert
// without an operator noticing.
const maxCertAge = 365 * 24 * time.Hour

// LoadOrGenerate loads a persisted certificate/key pair from stateDir,
// regenerating (and overwriting) it if absent or older than maxCertAge.
func LoadOrGenerate(log *zap.Logger, stateDir string) (*tls.Config, error) {
	certPath := filepath.Join(stateDir, "server-cert.pem")
	keyPath := filepath.Join(stateDir, "server-key.pem")

	if info, err := os.Stat(certPath); err == nil {
		if time.Since(info.ModTime()) < maxCertAge {
			if cfg, err := loadPair(certPath, keyPath); err == nil {
				log.Info("tls: reusing persisted self-signed certificate", zap.String("path", certPath))
				return cfg, nil
			}
		} else {
			log.Info("tls: persisted certificate expired, regenerating", zap.String("path", certPath))
		}
	}

	return generateAndPersist(log, stateDir, certPath, keyPath)
}

func loadPair(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// generateAndPersist creates a self-signed ECDSA P-256
// certificate, valid for maxCertAge, with SANs for localhost, loopback
// addresses, and all non-loopback interface IPs (so it also works for
// LAN access), then writes it to stateDir at cert mode 0640 / key 0600.
func generateAndPersist(log *zap.Logger, stateDir, certPath, keyPath string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tls: generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tls: generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serialNumber,
		NotBefore:             now,
		NotAfter:              now.Add(maxCertAge),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
				tmpl.IPAddresses = append(tmpl.IPAddresses, ipNet.IP)
			}
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tls: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("tls: marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("tls: mkdir state dir: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0640); err != nil {
		return nil, fmt.Errorf("tls: write cert: %w", err)
	}
	if err := os.Chmod(certPath, 0640); err != nil {
		return nil, fmt.Errorf("tls: chmod cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("tls: write key: %w", err)
	}
	if err := os.Chmod(keyPath, 0600); err != nil {
		return nil, fmt.Errorf("tls: chmod key: %w", err)
	}

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}

	fp := sha256.Sum256(certDER)
	log.Info("tls: generated self-signed certificate", zap.String("fingerprint_sha256", fmt.Sprintf("%X", fp)))

	return &tls.Config{Certificates: []tls.Certificate{tlsCert}}, nil
}
