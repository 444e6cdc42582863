package credential

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

// fakeBlobs is a host.BlobStore backed by an in-memory map.
type fakeBlobs map[string][]byte

func (f fakeBlobs) Load(ctx context.Context, name string) ([]byte, error) {
	b, ok := f[name]
	if !ok {
		return nil, errNoCert
	}
	return b, nil
}

func (f fakeBlobs) Save(ctx context.Context, name string, data []byte) error {
	f[name] = data
	return nil
}

func generateSelfSigned(t *testing.T) (certPEM, keyPEM []byte, key *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, key
}

// TestLoadPEMCertAndKeyMatch is the PKCS#12/PEM fallback path's version of
// spec.md's testable property: the loaded certificate's public key matches
// the loaded private key's public half.
func TestLoadPEMCertAndKeyMatch(t *testing.T) {
	certPEM, keyPEM, key := generateSelfSigned(t)
	blobs := fakeBlobs{"client.crt": certPEM, "client.key": keyPEM}
	p := Provider{Blobs: blobs}

	creds, err := p.Load(context.Background(), "client.crt", "client.key", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	gotPub, ok := creds.Cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		t.Fatal("certificate public key is not RSA")
	}
	if gotPub.N.Cmp(key.PublicKey.N) != 0 || gotPub.E != key.PublicKey.E {
		t.Fatal("certificate public key does not match loaded private key")
	}
	if creds.CA != nil {
		t.Fatal("did not expect a CA when caName is empty")
	}
}

func TestLoadMissingCertReturnsError(t *testing.T) {
	p := Provider{Blobs: fakeBlobs{}}
	if _, err := p.Load(context.Background(), "missing", "missing-key", ""); err == nil {
		t.Fatal("expected error when the named certificate blob does not exist")
	}
}

func TestLoadWithCAChain(t *testing.T) {
	certPEM, keyPEM, _ := generateSelfSigned(t)
	caPEM, _, _ := generateSelfSigned(t)
	blobs := fakeBlobs{"client.crt": certPEM, "client.key": keyPEM, "ca.crt": caPEM}
	p := Provider{Blobs: blobs}

	creds, err := p.Load(context.Background(), "client.crt", "client.key", "ca.crt")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if creds.CA == nil {
		t.Fatal("expected CA certificate to be loaded")
	}
}
