package agent

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
	"os"
	"path/filepath"
	"time"
)

// DefaultServerName is the name certificates are issued for when none is given.
// Clients verify against it regardless of the address they dial.
const DefaultServerName = "replbridge"

const certValidity = 30 * 24 * time.Hour

// Certs holds PEM material for TLS between a front-end and an agent.
// Only the agent presents a certificate. Front-ends are not authenticated.
type Certs struct {
	CAPEM         []byte
	ServerCertPEM []byte
	ServerKeyPEM  []byte
}

var certFiles = []struct {
	name string
	get  func(c *Certs) *[]byte
	mode os.FileMode
}{
	{"ca.pem", func(c *Certs) *[]byte { return &c.CAPEM }, 0o644},
	{"server.pem", func(c *Certs) *[]byte { return &c.ServerCertPEM }, 0o644},
	{"server-key.pem", func(c *Certs) *[]byte { return &c.ServerKeyPEM }, 0o600},
}

// WriteDir stores the certs as PEM files in dir.
func (c *Certs) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	for _, f := range certFiles {
		if err := os.WriteFile(filepath.Join(dir, f.name), *f.get(c), f.mode); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

// LoadCerts reads certs written by WriteDir.
func LoadCerts(dir string) (*Certs, error) {
	c := &Certs{}
	for _, f := range certFiles {
		b, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.name, err)
		}
		*f.get(c) = b
	}
	return c, nil
}

func (c *Certs) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(c.ServerCertPEM, c.ServerKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ClientTLSConfig trusts only agents whose cert was signed by the CA.
func (c *Certs) ClientTLSConfig() (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(c.CAPEM) {
		return nil, errors.New("no CA certs found")
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		RootCAs:    pool,
		ServerName: DefaultServerName,
	}, nil
}

type signer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func serialNumber() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func encodePEM(typ string, b []byte) ([]byte, error) {
	out := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: b})
	if out == nil {
		return nil, fmt.Errorf("unable to encode %s", typ)
	}
	return out, nil
}

// issue creates a key and a certificate for it. A nil parent makes the certificate self-signed.
func issue(tmpl *x509.Certificate, parent *signer) (certPEM, keyPEM []byte, s *signer, err error) {
	if tmpl.SerialNumber, err = serialNumber(); err != nil {
		return nil, nil, nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generating key: %w", err)
	}
	signCert, signKey := tmpl, key
	if parent != nil {
		signCert, signKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signCert, &key.PublicKey, signKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	if certPEM, err = encodePEM("CERTIFICATE", der); err != nil {
		return nil, nil, nil, err
	}
	if keyPEM, err = encodePEM("PRIVATE KEY", keyDER); err != nil {
		return nil, nil, nil, err
	}
	return certPEM, keyPEM, &signer{cert: tmpl, key: key}, nil
}

// GenerateCerts creates a throwaway CA and a server cert signed by it.
func GenerateCerts() (*Certs, error) {
	now := time.Now()
	caPEM, _, ca, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "replbridge CA"},
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	c := &Certs{CAPEM: caPEM}
	c.ServerCertPEM, c.ServerKeyPEM, _, err = issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: DefaultServerName},
		DNSNames:    []string{DefaultServerName},
		NotBefore:   now,
		NotAfter:    now.Add(certValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, ca)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	return c, nil
}
