// Package credential loads the VPN client's certificate, private key and
// CA certificate from the host blob store, as named by the VpnCertName/
// VpnCaCertName/VpnRsaKeyName configuration keys. Parsing the config file
// that names them is out of scope; this package only resolves the named
// blobs into usable crypto/x509 and crypto/rsa values.
package credential

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/vkernel/ikevpn/host"
)

// Credentials holds the material needed to authenticate Phase-1 RSA-SIG.
type Credentials struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
	CA   *x509.Certificate
}

var errNoCert = errors.New("credential: no certificate found in blob")
var errNoKey = errors.New("credential: no RSA private key found in blob")

// Provider resolves named blobs into Credentials.
type Provider struct {
	Blobs host.BlobStore
}

// Load fetches certName/keyName/caName from the blob store. Each blob may
// be a PKCS#12 bundle (tried first) or a PEM/DER-encoded certificate or
// key; the first form that decodes successfully is used.
func (p Provider) Load(ctx context.Context, certName, keyName, caName string) (*Credentials, error) {
	certBlob, err := p.Blobs.Load(ctx, certName)
	if err != nil {
		return nil, err
	}
	cred := &Credentials{}
	if key, cert, caCerts, err := pkcs12.DecodeChain(certBlob, ""); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errNoKey
		}
		cred.Cert = cert
		cred.Key = rsaKey
		if len(caCerts) > 0 {
			cred.CA = caCerts[0]
		}
	} else {
		cred.Cert, err = parseCertBlob(certBlob)
		if err != nil {
			return nil, err
		}
	}

	if cred.Key == nil {
		if keyName == "" {
			return nil, errNoKey
		}
		keyBlob, err := p.Blobs.Load(ctx, keyName)
		if err != nil {
			return nil, err
		}
		cred.Key, err = parseRSAKeyBlob(keyBlob)
		if err != nil {
			return nil, err
		}
	}

	if cred.CA == nil && caName != "" {
		caBlob, err := p.Blobs.Load(ctx, caName)
		if err != nil {
			return nil, err
		}
		cred.CA, err = parseCertBlob(caBlob)
		if err != nil {
			return nil, err
		}
	}
	return cred, nil
}

func parseCertBlob(blob []byte) (*x509.Certificate, error) {
	der := blob
	if block, _ := pem.Decode(blob); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errNoCert
	}
	return cert, nil
}

func parseRSAKeyBlob(blob []byte) (*rsa.PrivateKey, error) {
	der := blob
	if block, _ := pem.Decode(blob); block != nil {
		der = block.Bytes
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errNoKey
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errNoKey
	}
	return rsaKey, nil
}

// VerifyChain verifies leaf against the given CA, checking signature and
// validity window only — path-length/EKU policy is not enforced, matching
// the engine's single-peer, single-CA deployment model.
func VerifyChain(leaf, ca *x509.Certificate) error {
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err := leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	return err
}
