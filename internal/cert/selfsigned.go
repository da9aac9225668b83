package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const validity = 365 * 24 * time.Hour

// EnsureSelfSigned makes sure a certificate and key exist at the given paths,
// generating a self-signed pair for hosts when either file is missing.
// It reports whether new files were written.
func EnsureSelfSigned(certPath, keyPath string, hosts []string) (bool, error) {
	if fileExists(certPath) && fileExists(keyPath) {
		return false, nil
	}

	slog.Info("Agent certificate not found, generating self-signed certificate", "cert_path", certPath)

	cert, key, err := generateSelfSigned(hosts)
	if err != nil {
		slog.Error("Failed to generate self-signed certificate", "error", err)
		return false, err
	}

	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return false, fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}

	if err := writeCertToFile(cert, certPath); err != nil {
		return false, err
	}
	if err := writeKeyToFile(key, keyPath); err != nil {
		return false, err
	}

	slog.Info("Generated self-signed certificate", "cert_path", certPath, "key_path", keyPath, "expires_at", cert.NotAfter)
	return true, nil
}

func generateSelfSigned(hosts []string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	dnsNames, ips := splitHosts(hosts)
	commonName := "localhost"
	if len(hosts) > 0 {
		commonName = hosts[0]
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Remote Control Agent"},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, key, nil
}

func splitHosts(hosts []string) ([]string, []net.IP) {
	if len(hosts) == 0 {
		return []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	var dnsNames []string
	var ips []net.IP
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else if h != "" {
			dnsNames = append(dnsNames, h)
		}
	}
	return dnsNames, ips
}
