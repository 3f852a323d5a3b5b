// Package keystore holds the local TLS identity used for secure MSRP and
// exposes its certificate fingerprint for SDP offers.
package keystore

import (
	"crypto"
	_ "crypto/sha256" // registers SHA-256 for crypto.Hash.Available
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
)

// fingerprintAlgorithm is the hash name advertised in a=fingerprint.
const fingerprintAlgorithm = "sha-256"

// KeyStore holds the certificate presented on msrps connections.
type KeyStore struct {
	cert      tls.Certificate
	leaf      *x509.Certificate
	ephemeral bool
}

// Load reads the certificate and key from disk. When both paths are empty
// an ephemeral self-signed certificate is generated instead.
func Load(certFile, keyFile string, logger *slog.Logger) (*KeyStore, error) {
	logger = logger.With("subsystem", "keystore")

	var (
		cert      tls.Certificate
		err       error
		ephemeral bool
	)
	switch {
	case certFile == "" && keyFile == "":
		cert, err = selfsign.GenerateSelfSigned()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed certificate: %w", err)
		}
		ephemeral = true
	case certFile == "" || keyFile == "":
		return nil, fmt.Errorf("tls certificate and key must be configured together")
	default:
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading tls certificate: %w", err)
		}
	}

	ks, err := New(cert)
	if err != nil {
		return nil, err
	}
	ks.ephemeral = ephemeral

	logger.Info("tls identity loaded",
		"ephemeral", ephemeral,
		"subject", ks.leaf.Subject.String(),
		"not_after", ks.leaf.NotAfter,
	)
	return ks, nil
}

// New wraps an already loaded certificate.
func New(cert tls.Certificate) (*KeyStore, error) {
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("tls certificate chain is empty")
	}
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parsing tls certificate: %w", err)
		}
	}
	return &KeyStore{cert: cert, leaf: leaf}, nil
}

// Certificate returns the TLS certificate for msrps listeners.
func (k *KeyStore) Certificate() tls.Certificate {
	return k.cert
}

// Ephemeral reports whether the certificate was generated at startup.
func (k *KeyStore) Ephemeral() bool {
	return k.ephemeral
}

// Fingerprint returns the SDP fingerprint of the certificate in the form
// "sha-256 AB:CD:...".
func (k *KeyStore) Fingerprint() (string, error) {
	fp, err := fingerprint.Fingerprint(k.leaf, crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing certificate fingerprint: %w", err)
	}
	return fingerprintAlgorithm + " " + strings.ToUpper(fp), nil
}
