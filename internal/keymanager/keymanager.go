// Package keymanager decides which certificate a TLS server presents.
//
// A KeyManager is the static mechanism: a keystore with one or more
// identities. The selectors in this package wrap a KeyManager and, when the
// client asked for a hostname the default identity does not cover, serve a
// certificate from a certstore.Store instead.
package keymanager

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"wiremock-proxy/internal/keystore"
)

const defaultCacheSize = 128

// ErrNoCertificate is returned by GetCertificate when nothing can be served.
var ErrNoCertificate = errors.New("no certificate available")

// KeyManager picks an alias for a handshake and resolves aliases. The empty
// alias means there is nothing to serve.
type KeyManager interface {
	ChooseServerAlias(hello *tls.ClientHelloInfo) string
	CertificateChain(alias string) []*x509.Certificate
	Certificate(alias string) *tls.Certificate
}

// StoreKeyManager serves the private key entries of a keystore.
type StoreKeyManager struct {
	keys      *keystore.KeyStore
	preferred string
	exclude   map[string]bool
	cache     *lru.Cache
}

// NewStoreKeyManager serves preferred when it names a private key entry,
// otherwise the first private key alias not in exclude.
func NewStoreKeyManager(keys *keystore.KeyStore, preferred string, exclude ...string) (*StoreKeyManager, error) {
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, err
	}
	m := &StoreKeyManager{keys: keys, preferred: preferred, exclude: make(map[string]bool, len(exclude)), cache: cache}
	for _, a := range exclude {
		m.exclude[a] = true
	}
	return m, nil
}

func (m *StoreKeyManager) ChooseServerAlias(*tls.ClientHelloInfo) string {
	if m.keys == nil {
		return ""
	}
	if m.preferred != "" && m.keys.IsPrivateKeyEntry(m.preferred) {
		return m.preferred
	}
	for _, alias := range m.keys.PrivateKeyAliases() {
		if !m.exclude[alias] {
			return alias
		}
	}
	return ""
}

func (m *StoreKeyManager) Certificate(alias string) *tls.Certificate {
	if m.keys == nil || alias == "" {
		return nil
	}
	if v, ok := m.cache.Get(alias); ok {
		return v.(*tls.Certificate)
	}
	cert, err := m.keys.Certificate(alias)
	if err != nil {
		return nil
	}
	m.cache.Add(alias, cert)
	return cert
}

func (m *StoreKeyManager) CertificateChain(alias string) []*x509.Certificate {
	cert := m.Certificate(alias)
	if cert == nil {
		return nil
	}
	chain, err := parseChain(cert)
	if err != nil {
		return nil
	}
	return chain
}

func parseChain(cert *tls.Certificate) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(cert.Certificate))
	for i, der := range cert.Certificate {
		if i == 0 && cert.Leaf != nil {
			chain = append(chain, cert.Leaf)
			continue
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse chain: %w", err)
		}
		chain = append(chain, c)
	}
	return chain, nil
}

// Fixed serves a single certificate under one alias.
type Fixed struct {
	Alias string
	Cert  *tls.Certificate
}

func (f Fixed) ChooseServerAlias(*tls.ClientHelloInfo) string {
	if f.Cert == nil {
		return ""
	}
	return f.Alias
}

func (f Fixed) Certificate(alias string) *tls.Certificate {
	if alias != f.Alias {
		return nil
	}
	return f.Cert
}

func (f Fixed) CertificateChain(alias string) []*x509.Certificate {
	cert := f.Certificate(alias)
	if cert == nil {
		return nil
	}
	chain, _ := parseChain(cert)
	return chain
}
