package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/KingCide/Mariner/internal/database"
)

// GenerateCertPair creates a self-signed ECDSA P-256 certificate valid for
// the given DNS names and IPs. The certificate is its own CA, so the cert
// PEM can be handed to peers as the trust root.
func GenerateCertPair(commonName string, hosts []string, usage ...x509.ExtKeyUsage) (certPEM, keyPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial number: %w", err)
	}
	if len(usage) == 0 {
		usage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour), // ~10 years
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           usage,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return string(certPEMBytes), string(keyPEMBytes), nil
}

var (
	apiCertOnce sync.Once
	apiCert     *tls.Certificate
	apiCertPEM  string
	apiCertErr  error
)

// ServerCertificate returns the certificate the HTTP API serves when TLS
// is enabled, generating and persisting it on first call. The private key
// is stored encrypted.
func ServerCertificate(hosts []string) (tlsCert *tls.Certificate, publicPEM string, err error) {
	apiCertOnce.Do(func() {
		apiCertPEM, apiCert, apiCertErr = loadOrGenerateServerCert(hosts)
	})
	return apiCert, apiCertPEM, apiCertErr
}

// ResetServerCertCache clears the cached cert (for testing).
func ResetServerCertCache() {
	apiCertOnce = sync.Once{}
	apiCert = nil
	apiCertPEM = ""
	apiCertErr = nil
}

func loadOrGenerateServerCert(hosts []string) (string, *tls.Certificate, error) {
	certPEM, err := database.GetSetting("api_tls_cert")
	if err == nil && certPEM != "" {
		encKeyPEM, err := database.GetSetting("api_tls_key")
		if err == nil && encKeyPEM != "" {
			keyPEM, err := Decrypt(encKeyPEM)
			if err == nil {
				parsed, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
				if err == nil {
					return certPEM, &parsed, nil
				}
			}
		}
	}

	certPEM, keyPEM, err := GenerateCertPair("mariner-api", hosts)
	if err != nil {
		return "", nil, fmt.Errorf("generate api cert: %w", err)
	}
	encKeyPEM, err := Encrypt(keyPEM)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt api key: %w", err)
	}
	if err := database.SetSetting("api_tls_cert", certPEM); err != nil {
		return "", nil, fmt.Errorf("save api cert: %w", err)
	}
	if err := database.SetSetting("api_tls_key", encKeyPEM); err != nil {
		return "", nil, fmt.Errorf("save api key: %w", err)
	}

	parsed, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return "", nil, fmt.Errorf("parse api cert: %w", err)
	}
	return certPEM, &parsed, nil
}
