package rmwadapter

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// selfSignedIdentity is a self-signed CA plus one leaf certificate,
// enough to stand up an mTLS-secured QUIC listener without an external
// certificate authority. Intended for the ad-hoc test router (§6) and
// for local development; production deployments are expected to supply
// their own tls.Config via WithTLSConfig.
type selfSignedIdentity struct {
	caPEM  *x509.Certificate
	caKey  *ecdsa.PrivateKey
	leaf   *x509.Certificate
	leafKP *ecdsa.PrivateKey
}

func generateSelfSignedIdentity(commonName string) (*selfSignedIdentity, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(24 * time.Hour)

	caSerial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	caTmpl := x509.Certificate{
		Subject:               pkix.Name{CommonName: "rmwadapter-dev-ca"},
		SerialNumber:          caSerial,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, &caTmpl, &caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	leafSerial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	leafTmpl := x509.Certificate{
		Subject:               pkix.Name{CommonName: commonName},
		SerialNumber:          leafSerial,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IPAddresses:           []net.IP{{127, 0, 0, 1}},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, &leafTmpl, ca, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	return &selfSignedIdentity{caPEM: ca, caKey: caKey, leaf: leaf, leafKP: leafKey}, nil
}

func (id *selfSignedIdentity) tlsConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(id.caPEM)
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{id.leaf.Raw},
			Leaf:        id.leaf,
			PrivateKey:  id.leafKP,
		}},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pool,
		RootCAs:    pool,
		NextProtos: []string{"rmwadapter"},
	}
}
