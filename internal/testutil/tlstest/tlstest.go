package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Authority is a throwaway CA that writes PEM files into a test directory.
type Authority struct {
	dir    string
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	caFile string
	serial int64
}

// Pair is a certificate and key written to disk.
type Pair struct {
	CertFile string
	KeyFile  string
}

func NewAuthority(t testing.TB, commonName string) *Authority {
	t.Helper()
	dir := t.TempDir()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("tlstest: ca key: %v", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("tlstest: ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("tlstest: parse ca: %v", err)
	}
	caFile := filepath.Join(dir, "ca.pem")
	writePEM(t, caFile, "CERTIFICATE", der, 0o644)
	return &Authority{dir: dir, cert: cert, key: key, caFile: caFile, serial: 1}
}

func (a *Authority) CAFile() string {
	return a.caFile
}

// Pool holds the authority certificate.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// Server issues a serving certificate for host, which may be a DNS name or an
// IP literal.
func (a *Authority) Server(t testing.TB, host string) Pair {
	t.Helper()
	tmpl := a.leaf(host, x509.ExtKeyUsageServerAuth)
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}
	return a.issue(t, host, tmpl)
}

func (a *Authority) Client(t testing.TB, commonName string) Pair {
	t.Helper()
	return a.issue(t, commonName, a.leaf(commonName, x509.ExtKeyUsageClientAuth))
}

// ServerConfig loads pair for serving; requireClient demands a client
// certificate signed by the authority.
func (a *Authority) ServerConfig(t testing.TB, pair Pair, requireClient bool) *tls.Config {
	t.Helper()
	cert, err := tls.LoadX509KeyPair(pair.CertFile, pair.KeyFile)
	if err != nil {
		t.Fatalf("tlstest: load server pair: %v", err)
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
	if requireClient {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = a.Pool()
	}
	return cfg
}

func (a *Authority) leaf(commonName string, usage x509.ExtKeyUsage) *x509.Certificate {
	a.serial++
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: big.NewInt(a.serial),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
}

func (a *Authority) issue(t testing.TB, name string, tmpl *x509.Certificate) Pair {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("tlstest: leaf key: %v", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("tlstest: sign %s: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("tlstest: marshal key: %v", err)
	}
	base := fileBase(name)
	pair := Pair{
		CertFile: filepath.Join(a.dir, base+".pem"),
		KeyFile:  filepath.Join(a.dir, base+"-key.pem"),
	}
	writePEM(t, pair.CertFile, "CERTIFICATE", der, 0o644)
	writePEM(t, pair.KeyFile, "EC PRIVATE KEY", keyDER, 0o600)
	return pair
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("tlstest: write %s: %v", path, err)
	}
}

func fileBase(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "leaf"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(name)
}
