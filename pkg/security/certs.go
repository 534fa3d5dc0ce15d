package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	// certRotationThreshold is how far ahead of expiry a cached cert is
	// treated as stale and re-issued from the CA.
	certRotationThreshold = 30 * 24 * time.Hour

	defaultCertDir = ".conflux/certs"
)

// GetCertDir returns the on-disk cache directory for a node or client's
// certificate and key, under the user's home directory.
func GetCertDir(nodeType, nodeID string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(homeDir, defaultCertDir, fmt.Sprintf("%s-%s", nodeType, nodeID)), nil
}

// SaveCertToFile writes cert and its RSA private key to certDir as
// node.crt/node.key, creating the directory if needed.
func SaveCertToFile(cert *tls.Certificate, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}

	certPath := filepath.Join(certDir, "node.crt")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	privateKey, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("private key is not RSA")
	}
	keyPath := filepath.Join(certDir, "node.key")
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// LoadCertFromFile loads node.crt/node.key from certDir, populating Leaf.
func LoadCertFromFile(certDir string) (*tls.Certificate, error) {
	certPath := filepath.Join(certDir, "node.crt")
	keyPath := filepath.Join(certDir, "node.key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// SaveCACertToFile writes the CA root certificate to certDir/ca.crt.
func SaveCACertToFile(caCert []byte, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}
	caPath := filepath.Join(certDir, "ca.crt")
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert})
	if err := os.WriteFile(caPath, caPEM, 0644); err != nil {
		return fmt.Errorf("write CA certificate: %w", err)
	}
	return nil
}

// LoadCACertFromFile reads and parses certDir/ca.crt.
func LoadCACertFromFile(certDir string) (*x509.Certificate, error) {
	caPath := filepath.Join(certDir, "ca.crt")
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("decode CA certificate PEM")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	return caCert, nil
}

// CertExists reports whether a full node cert/key/CA triple is cached
// in certDir.
func CertExists(certDir string) bool {
	_, err1 := os.Stat(filepath.Join(certDir, "node.crt"))
	_, err2 := os.Stat(filepath.Join(certDir, "node.key"))
	_, err3 := os.Stat(filepath.Join(certDir, "ca.crt"))
	return err1 == nil && err2 == nil && err3 == nil
}

// CertNeedsRotation reports whether cert is within certRotationThreshold
// of expiry, or nil.
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain verifies cert was signed by ca for either client or
// server auth.
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("CA certificate is nil")
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// LoadOrIssueNodeTLSConfig builds the mTLS server config for a raft
// node's peer listener: it reuses a cached node certificate from disk
// when one exists and isn't close to expiry, and otherwise asks ca to
// issue a fresh one and caches it for next startup. Peer dials must
// present a certificate signed by the same CA (RequireAndVerifyClientCert).
func LoadOrIssueNodeTLSConfig(ca *CertAuthority, nodeID string, dnsNames []string, ipAddresses []net.IP) (*tls.Config, error) {
	certDir, err := GetCertDir("node", nodeID)
	if err != nil {
		return nil, err
	}

	cert, caCert, err := loadOrIssueFromCache(ca, certDir, func() (*tls.Certificate, error) {
		return ca.IssueNodeCertificate(nodeID, "peer", dnsNames, ipAddresses)
	})
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    roots,
		RootCAs:      roots,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadOrIssueClientTLSConfig builds the mTLS config a forwarding or CLI
// client presents when dialing a node's peer listener.
func LoadOrIssueClientTLSConfig(ca *CertAuthority, clientID string) (*tls.Config, error) {
	certDir, err := GetCertDir("client", clientID)
	if err != nil {
		return nil, err
	}

	cert, caCert, err := loadOrIssueFromCache(ca, certDir, func() (*tls.Certificate, error) {
		return ca.IssueClientCertificate(clientID)
	})
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadOrIssueFromCache(ca *CertAuthority, certDir string, issue func() (*tls.Certificate, error)) (*tls.Certificate, *x509.Certificate, error) {
	if CertExists(certDir) {
		cert, err := LoadCertFromFile(certDir)
		if err == nil && !CertNeedsRotation(cert.Leaf) {
			caCert, err := LoadCACertFromFile(certDir)
			if err == nil {
				return cert, caCert, nil
			}
		}
	}

	cert, err := issue()
	if err != nil {
		return nil, nil, fmt.Errorf("issue certificate: %w", err)
	}
	if err := SaveCertToFile(cert, certDir); err != nil {
		return nil, nil, err
	}
	if err := SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return nil, nil, err
	}
	caCert, err := LoadCACertFromFile(certDir)
	if err != nil {
		return nil, nil, err
	}
	return cert, caCert, nil
}
