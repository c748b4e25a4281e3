// Package keystore keeps alias-addressed private key and certificate entries
// and persists them through a Source.
//
// The writable encoding is a Java KeyStore (JKS), so a store written by the
// proxy can be inspected with keytool. PKCS#12 files are accepted read-only.
package keystore

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"

	"wiremock-proxy/internal/ca"
)

// Type discriminates keystore encodings.
type Type string

const (
	TypeJKS    Type = "jks"
	TypePKCS12 Type = "pkcs12"
)

// DefaultPassword is the password used when none is configured.
const DefaultPassword = "password"

// MinPasswordLength is the shortest password the JKS encoding accepts.
const MinPasswordLength = 6

// pkcs12Alias names the single private key entry of a PKCS#12 file.
const pkcs12Alias = "1"

const x509CertType = "X509"

var (
	ErrNotFound        = errors.New("keystore entry not found")
	ErrReadOnly        = errors.New("keystore source is read-only")
	ErrCorrupt         = errors.New("keystore is corrupt")
	ErrUnsupportedType = errors.New("unsupported keystore type")
)

// ParseType parses a configured store type, defaulting to JKS.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case "", TypeJKS:
		return TypeJKS, nil
	case TypePKCS12, "p12", "pfx":
		return TypePKCS12, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, s)
	}
}

// Entry is one private key entry.
type Entry struct {
	Alias      string
	Created    time.Time
	PrivateKey crypto.PrivateKey
	Chain      [][]byte
}

// TLSCertificate assembles a tls.Certificate with the parsed leaf.
func (e *Entry) TLSCertificate() (*tls.Certificate, error) {
	if len(e.Chain) == 0 {
		return nil, fmt.Errorf("entry %q has no certificates", e.Alias)
	}
	leaf, err := x509.ParseCertificate(e.Chain[0])
	if err != nil {
		return nil, fmt.Errorf("parse %q leaf: %w", e.Alias, err)
	}
	return &tls.Certificate{Certificate: e.Chain, PrivateKey: e.PrivateKey, Leaf: leaf}, nil
}

// KeyStore is a thread-safe set of entries with an optional backing Source.
type KeyStore struct {
	mu       sync.RWMutex
	typ      Type
	password string
	store    jks.KeyStore
	source   Source
	detached bool

	// serializes Flush so concurrent writers never reorder saves
	flushMu sync.Mutex
}

// New returns an empty keystore.
func New(typ Type, password string) *KeyStore {
	if password == "" {
		password = DefaultPassword
	}
	return &KeyStore{
		typ:      typ,
		password: password,
		store:    jks.New(jks.WithOrderedAliases()),
	}
}

// Decode reads an encoded keystore.
func Decode(data []byte, typ Type, password string) (*KeyStore, error) {
	ks := New(typ, password)
	switch typ {
	case TypeJKS:
		if err := ks.store.Load(bytes.NewReader(data), []byte(ks.password)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
	case TypePKCS12:
		if err := ks.decodePKCS12(data); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, typ)
	}
	return ks, nil
}

// decodePKCS12 accepts either a single identity or a trust store.
func (k *KeyStore) decodePKCS12(data []byte) error {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, k.password)
	if err == nil {
		chain := [][]byte{cert.Raw}
		for _, c := range caCerts {
			chain = append(chain, c.Raw)
		}
		return k.SetPrivateKeyEntry(pkcs12Alias, key, chain)
	}
	certs, tsErr := pkcs12.DecodeTrustStore(data, k.password)
	if tsErr != nil {
		return err
	}
	for i, c := range certs {
		if err := k.SetTrustedCertificate(strconv.Itoa(i+1), c); err != nil {
			return err
		}
	}
	return nil
}

// Encode serializes the keystore. Only JKS can be written.
func (k *KeyStore) Encode() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.typ != TypeJKS {
		return nil, fmt.Errorf("%w: cannot write %s", ErrUnsupportedType, k.typ)
	}
	var buf bytes.Buffer
	if err := k.store.Store(&buf, []byte(k.password)); err != nil {
		return nil, fmt.Errorf("encode keystore: %w", err)
	}
	return buf.Bytes(), nil
}

// Type returns the encoding of the keystore.
func (k *KeyStore) Type() Type { return k.typ }

// Aliases returns every alias in sorted order.
func (k *KeyStore) Aliases() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	aliases := k.store.Aliases()
	sort.Strings(aliases)
	return aliases
}

// PrivateKeyAliases returns the aliases of private key entries in sorted order.
func (k *KeyStore) PrivateKeyAliases() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []string
	for _, alias := range k.store.Aliases() {
		if k.store.IsPrivateKeyEntry(alias) {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

// IsPrivateKeyEntry reports whether alias names a private key entry.
func (k *KeyStore) IsPrivateKeyEntry(alias string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.IsPrivateKeyEntry(alias)
}

// SetPrivateKeyEntry stores key and its DER chain under alias, replacing any
// existing entry.
func (k *KeyStore) SetPrivateKeyEntry(alias string, key crypto.PrivateKey, chain [][]byte) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal %q key: %w", alias, err)
	}
	entry := jks.PrivateKeyEntry{
		CreationTime: time.Now(),
		PrivateKey:   der,
	}
	for _, c := range chain {
		entry.CertificateChain = append(entry.CertificateChain, jks.Certificate{Type: x509CertType, Content: c})
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.store.SetPrivateKeyEntry(alias, entry, []byte(k.password)); err != nil {
		return fmt.Errorf("set %q: %w", alias, err)
	}
	return nil
}

// PrivateKeyEntry returns the entry stored under alias.
func (k *KeyStore) PrivateKeyEntry(alias string) (*Entry, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.store.IsPrivateKeyEntry(alias) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, alias)
	}
	e, err := k.store.GetPrivateKeyEntry(alias, []byte(k.password))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", alias, err)
	}
	key, err := ca.ParsePrivateKey(e.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %q key: %w", ErrCorrupt, alias, err)
	}
	out := &Entry{Alias: alias, Created: e.CreationTime, PrivateKey: key}
	for _, c := range e.CertificateChain {
		out.Chain = append(out.Chain, c.Content)
	}
	return out, nil
}

// Certificate returns the entry under alias as a tls.Certificate.
func (k *KeyStore) Certificate(alias string) (*tls.Certificate, error) {
	e, err := k.PrivateKeyEntry(alias)
	if err != nil {
		return nil, err
	}
	return e.TLSCertificate()
}

// CertificateChain returns the parsed chain of the entry under alias.
func (k *KeyStore) CertificateChain(alias string) ([]*x509.Certificate, error) {
	e, err := k.PrivateKeyEntry(alias)
	if err != nil {
		return nil, err
	}
	chain := make([]*x509.Certificate, 0, len(e.Chain))
	for _, der := range e.Chain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse %q chain: %w", alias, err)
		}
		chain = append(chain, c)
	}
	return chain, nil
}

// SetTrustedCertificate stores cert as a trusted entry under alias.
func (k *KeyStore) SetTrustedCertificate(alias string, cert *x509.Certificate) error {
	entry := jks.TrustedCertificateEntry{
		CreationTime: time.Now(),
		Certificate:  jks.Certificate{Type: x509CertType, Content: cert.Raw},
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.store.SetTrustedCertificateEntry(alias, entry); err != nil {
		return fmt.Errorf("set trusted %q: %w", alias, err)
	}
	return nil
}

// TrustedCertificates returns every trusted certificate entry. Entries that
// fail to parse are skipped.
func (k *KeyStore) TrustedCertificates() []*x509.Certificate {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*x509.Certificate
	aliases := k.store.Aliases()
	sort.Strings(aliases)
	for _, alias := range aliases {
		if !k.store.IsTrustedCertificateEntry(alias) {
			continue
		}
		e, err := k.store.GetTrustedCertificateEntry(alias)
		if err != nil {
			continue
		}
		c, err := x509.ParseCertificate(e.Certificate.Content)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// CertPool builds a pool from the trusted entries and the top of each private
// key entry chain.
func (k *KeyStore) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range k.TrustedCertificates() {
		pool.AddCert(c)
	}
	for _, alias := range k.PrivateKeyAliases() {
		chain, err := k.CertificateChain(alias)
		if err != nil || len(chain) == 0 {
			continue
		}
		pool.AddCert(chain[len(chain)-1])
	}
	return pool
}

// Delete removes alias. Missing aliases are ignored.
func (k *KeyStore) Delete(alias string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.store.DeleteEntry(alias)
}

// Attach sets the source Flush writes to.
func (k *KeyStore) Attach(src Source) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.source = src
	k.detached = false
}

// Detach turns the keystore memory-only for the rest of its life.
func (k *KeyStore) Detach() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.detached = true
}

// Persistent reports whether Flush writes anywhere.
func (k *KeyStore) Persistent() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.source != nil && !k.detached && k.source.Writable()
}

// Source returns the attached source, if any.
func (k *KeyStore) Source() Source {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.source
}

// Flush writes the whole keystore to its source. It is a no-op for
// memory-only keystores and read-only sources.
func (k *KeyStore) Flush() error {
	k.flushMu.Lock()
	defer k.flushMu.Unlock()
	if !k.Persistent() {
		return nil
	}
	return k.Source().Save(k)
}
