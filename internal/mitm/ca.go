// Package mitm wires the certificate authority, keystores and certificate
// selectors together from configuration.
package mitm

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"wiremock-proxy/internal/ca"
	"wiremock-proxy/internal/config"
	"wiremock-proxy/internal/keystore"
)

// LoadOrCreateAuthority returns the authority stored under alias, generating
// and saving a new one when keys has none. A keystore that cannot be saved
// is switched to memory-only; the authority is still returned.
func LoadOrCreateAuthority(keys *keystore.KeyStore, alias string, o ca.Options, log logrus.FieldLogger) (*ca.Authority, error) {
	if keys.IsPrivateKeyEntry(alias) {
		e, err := keys.PrivateKeyEntry(alias)
		if err != nil {
			return nil, fmt.Errorf("read certificate authority %q: %w", alias, err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(e.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ca.ErrInvalidMaterial, err)
		}
		a, err := ca.Load(ca.Material{PrivateKey: der, Chain: e.Chain})
		if err != nil {
			return nil, fmt.Errorf("certificate authority %q: %w", alias, err)
		}
		log.WithField("alias", alias).Info("loaded certificate authority")
		return a, nil
	}

	a, err := ca.Generate(o)
	if err != nil {
		return nil, err
	}
	m, err := a.Material()
	if err != nil {
		return nil, err
	}
	key, err := ca.ParsePrivateKey(m.PrivateKey)
	if err != nil {
		return nil, err
	}
	if err := keys.SetPrivateKeyEntry(alias, key, m.Chain); err != nil {
		return nil, fmt.Errorf("store certificate authority: %w", err)
	}
	if err := keys.Flush(); err != nil {
		keys.Detach()
		log.WithError(err).WithField("source", keys.Source()).
			Error("could not save certificate authority, it will be regenerated on restart")
	}
	log.WithFields(logrus.Fields{"alias": alias, "subject": a.Certificate().Subject.String()}).
		Info("generated certificate authority")
	return a, nil
}

// OpenCAKeystore opens the keystore holding the authority. A keystore that
// cannot be read is replaced by an empty memory-only one and the error is
// returned alongside it for logging.
func OpenCAKeystore(s config.Store) (*keystore.KeyStore, error) {
	typ, err := keystore.ParseType(s.Type)
	if err != nil {
		return keystore.New(keystore.TypeJKS, s.Password), err
	}
	src := caSource(s, typ)
	ks, err := keystore.Open(src, typ, s.Password)
	if err != nil {
		return keystore.New(keystore.TypeJKS, s.Password), err
	}
	return ks, nil
}

func caSource(s config.Store, typ keystore.Type) keystore.Source {
	switch s.Storage {
	case config.StorageBolt:
		return &keystore.BoltSource{Path: s.Path, Type: typ, Password: s.Password}
	case config.StorageMemory:
		return &keystore.MemorySource{Type: typ, Password: s.Password}
	default:
		return &keystore.FileSource{Path: s.Path, Type: typ, Password: s.Password}
	}
}

// openStatic opens a keystore that is never written, such as an HTTPS
// identity or a trust store.
func openStatic(s config.Store) (*keystore.KeyStore, error) {
	typ, err := keystore.ParseType(s.Type)
	if err != nil {
		return nil, err
	}
	var src keystore.Source = &keystore.FileSource{Path: s.Path, Type: typ, Password: s.Password}
	if s.ReadOnly || typ != keystore.TypeJKS {
		src = &keystore.ResourceSource{FS: os.DirFS(filepath.Dir(s.Path)), Name: filepath.Base(s.Path), Type: typ, Password: s.Password}
	}
	if !src.Exists() {
		return nil, fmt.Errorf("keystore %s: %w", s.Path, os.ErrNotExist)
	}
	return src.Load()
}

// CertPool loads a trust store into a certificate pool.
func CertPool(s config.Store) (*x509.CertPool, error) {
	ks, err := openStatic(s)
	if err != nil {
		return nil, err
	}
	pool := ks.CertPool()
	if len(ks.TrustedCertificates()) == 0 && len(ks.PrivateKeyAliases()) == 0 {
		return nil, fmt.Errorf("trust store %s has no certificates", s.Path)
	}
	return pool, nil
}

func caOptions(c config.CA) ca.Options {
	return ca.Options{
		CommonName:   c.CommonName,
		Organization: c.Organization,
		KeyType:      ca.KeyType(strings.ToLower(c.KeyType)),
		Bits:         c.KeyBits,
		Validity:     c.Validity,
	}
}

func leafOptions(c config.CA) ca.LeafOptions {
	return ca.LeafOptions{
		KeyType:  ca.KeyType(strings.ToLower(c.KeyType)),
		Bits:     c.KeyBits,
		Validity: c.LeafValidity,
	}
}
