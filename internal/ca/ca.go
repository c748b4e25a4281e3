// Package ca holds the certificate authority that signs the leaf certificates
// presented to intercepted clients.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"
)

var (
	// ErrGenerationUnsupported is returned when the requested key algorithm or
	// the random source cannot produce a certificate authority.
	ErrGenerationUnsupported = errors.New("certificate generation unsupported")
	// ErrGenerationFailed is returned when a leaf certificate cannot be issued.
	ErrGenerationFailed = errors.New("certificate generation failed")
	// ErrInvalidMaterial is returned by Load for malformed or mismatched input.
	ErrInvalidMaterial = errors.New("invalid certificate authority material")
)

// KeyType names a key algorithm.
type KeyType string

const (
	KeyRSA   KeyType = "rsa"
	KeyECDSA KeyType = "ecdsa"
)

const (
	DefaultCommonName    = "WireMock Local Self Signed Root Certificate"
	DefaultOrganization  = "WireMock"
	DefaultValidity      = 10 * 365 * 24 * time.Hour
	DefaultLeafValidity  = 397 * 24 * time.Hour
	minRSABits           = 2048
	defaultRSABits       = 2048
	maxIntermediateChain = 2
)

// Options configures Generate.
type Options struct {
	CommonName   string
	Organization string
	KeyType      KeyType
	// Bits is the RSA modulus size, or the ECDSA curve size (256, 384, 521).
	Bits     int
	Validity time.Duration
	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

func (o Options) withDefaults() Options {
	if o.CommonName == "" {
		o.CommonName = DefaultCommonName
	}
	if o.Organization == "" {
		o.Organization = DefaultOrganization
	}
	if o.KeyType == "" {
		o.KeyType = KeyRSA
	}
	if o.Validity <= 0 {
		o.Validity = DefaultValidity
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	return o
}

// LeafOptions configures Issue.
type LeafOptions struct {
	KeyType  KeyType
	Bits     int
	Validity time.Duration
}

// Material is the exportable form of an Authority: a PKCS#8 private key and
// the DER certificate chain, signing certificate first.
type Material struct {
	PrivateKey []byte
	Chain      [][]byte
}

// Authority is an immutable certificate authority. It is safe for concurrent
// use.
type Authority struct {
	cert  *x509.Certificate
	key   crypto.Signer
	chain [][]byte
	rand  io.Reader
}

// Generate creates a new key pair and self-signed root certificate.
func Generate(o Options) (*Authority, error) {
	o = o.withDefaults()
	serial, err := randomSerial(o.Rand)
	if err != nil {
		return nil, fmt.Errorf("%w: serial: %w", ErrGenerationUnsupported, err)
	}
	key, err := newKey(o.KeyType, o.Bits, o.Rand)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationUnsupported, err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   o.CommonName,
			Organization: []string{o.Organization},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(o.Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(o.Rand, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("%w: self-sign: %w", ErrGenerationUnsupported, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse generated root: %w", ErrGenerationUnsupported, err)
	}
	return &Authority{cert: cert, key: key, chain: [][]byte{der}, rand: o.Rand}, nil
}

// Load reconstructs an Authority from persisted material. The chain may hold
// the signing certificate and at most one issuer above it.
func Load(m Material) (*Authority, error) {
	if len(m.Chain) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", ErrInvalidMaterial)
	}
	if len(m.Chain) > maxIntermediateChain {
		return nil, fmt.Errorf("%w: chain of %d certificates, at most %d supported", ErrInvalidMaterial, len(m.Chain), maxIntermediateChain)
	}
	certs := make([]*x509.Certificate, 0, len(m.Chain))
	for i, der := range m.Chain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %w", ErrInvalidMaterial, i, err)
		}
		certs = append(certs, c)
	}
	cert := certs[0]
	if !cert.IsCA {
		return nil, fmt.Errorf("%w: %q is not a CA certificate", ErrInvalidMaterial, cert.Subject.CommonName)
	}
	if len(certs) == 2 {
		if err := cert.CheckSignatureFrom(certs[1]); err != nil {
			return nil, fmt.Errorf("%w: intermediate not signed by its issuer: %w", ErrInvalidMaterial, err)
		}
	}
	key, err := ParsePrivateKey(m.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMaterial, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key of type %T cannot sign", ErrInvalidMaterial, key)
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, fmt.Errorf("%w: private key does not match certificate", ErrInvalidMaterial)
	}
	chain := make([][]byte, len(m.Chain))
	for i, der := range m.Chain {
		chain[i] = append([]byte(nil), der...)
	}
	return &Authority{cert: cert, key: signer, chain: chain, rand: rand.Reader}, nil
}

// ParsePrivateKey accepts PKCS#8, PKCS#1 and SEC 1 DER keys.
func ParsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if len(der) == 0 {
		return nil, errors.New("empty private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, errors.New("unrecognized private key encoding")
	}
	return key, nil
}

// WithRand returns a copy of a that draws randomness for issued leaves from r.
func (a *Authority) WithRand(r io.Reader) *Authority {
	cp := *a
	cp.rand = r
	return &cp
}

// Certificate returns the signing certificate.
func (a *Authority) Certificate() *x509.Certificate { return a.cert }

// Chain returns the DER chain, signing certificate first.
func (a *Authority) Chain() [][]byte {
	out := make([][]byte, len(a.chain))
	copy(out, a.chain)
	return out
}

// CertificatePEM returns the signing certificate in PEM form, the file an
// operator installs as a trusted root.
func (a *Authority) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})
}

// Material exports the key and chain for persistence.
func (a *Authority) Material() (Material, error) {
	der, err := x509.MarshalPKCS8PrivateKey(a.key)
	if err != nil {
		return Material{}, fmt.Errorf("marshal ca key: %w", err)
	}
	return Material{PrivateKey: der, Chain: a.Chain()}, nil
}

// Issue signs a leaf certificate for host. The returned chain carries the
// leaf followed by the authority chain, and NotAfter never exceeds the
// authority's own.
func (a *Authority) Issue(host string, o LeafOptions) (*tls.Certificate, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty host name", ErrGenerationFailed)
	}
	serial, err := randomSerial(a.rand)
	if err != nil {
		return nil, fmt.Errorf("%w: serial: %w", ErrGenerationFailed, err)
	}
	key, err := newKey(o.KeyType, o.Bits, a.rand)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %w", ErrGenerationFailed, err)
	}
	validity := o.Validity
	if validity <= 0 {
		validity = DefaultLeafValidity
	}
	now := time.Now()
	notAfter := now.Add(validity)
	if notAfter.After(a.cert.NotAfter) {
		notAfter = a.cert.NotAfter
	}
	if !notAfter.After(now) {
		return nil, fmt.Errorf("%w: authority expired at %s", ErrGenerationFailed, a.cert.NotAfter.Format(time.RFC3339))
	}
	notBefore := now.Add(-time.Hour)
	if notBefore.Before(a.cert.NotBefore) {
		notBefore = a.cert.NotBefore
	}
	usage := x509.KeyUsageDigitalSignature
	if _, ok := key.(*rsa.PrivateKey); ok {
		usage |= x509.KeyUsageKeyEncipherment
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              usage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}
	der, err := x509.CreateCertificate(a.rand, tmpl, a.cert, key.Public(), a.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign %s: %w", ErrGenerationFailed, host, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrGenerationFailed, host, err)
	}
	return &tls.Certificate{
		Certificate: append([][]byte{der}, a.chain...),
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// SelfSigned issues a certificate for host from a throwaway authority. It is
// the default identity when no persistent authority is available.
func SelfSigned(host string, o LeafOptions) (*tls.Certificate, error) {
	a, err := Generate(Options{CommonName: host + " issuer", KeyType: o.KeyType, Bits: o.Bits})
	if err != nil {
		return nil, err
	}
	return a.Issue(host, o)
}

func newKey(kt KeyType, bits int, r io.Reader) (crypto.Signer, error) {
	switch kt {
	case KeyRSA, "":
		if bits == 0 {
			bits = defaultRSABits
		}
		if bits < minRSABits {
			return nil, fmt.Errorf("rsa key size %d below %d", bits, minRSABits)
		}
		return rsa.GenerateKey(r, bits)
	case KeyECDSA:
		var curve elliptic.Curve
		switch bits {
		case 0, 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported ecdsa curve size %d", bits)
		}
		return ecdsa.GenerateKey(curve, r)
	default:
		return nil, fmt.Errorf("unsupported key type %q", kt)
	}
}

func randomSerial(r io.Reader) (*big.Int, error) {
	return rand.Int(r, new(big.Int).Lsh(big.NewInt(1), 128))
}
