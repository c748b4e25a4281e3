package mitm

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"wiremock-proxy/internal/ca"
	"wiremock-proxy/internal/certstore"
	"wiremock-proxy/internal/config"
	"wiremock-proxy/internal/keymanager"
	"wiremock-proxy/internal/keystore"
)

// DefaultIdentityAlias names the generated identity served when no HTTPS
// keystore is configured.
const DefaultIdentityAlias = "localhost"

// Proxying is everything TLS termination needs. Authority and Store are nil
// when dynamic certificates are unavailable; the selectors then serve the
// default identity only.
type Proxying struct {
	Authority *ca.Authority
	CAKeys    *keystore.KeyStore
	Store     *certstore.Store
	Identity  keymanager.KeyManager

	// Engine selects for the internal listener CONNECT tunnels end on.
	Engine *keymanager.EngineSelector
	// Conn selects for the HTTPS listener.
	Conn *keymanager.ConnSelector

	// ClientCAs verifies client certificates on the HTTPS listener.
	ClientCAs *x509.CertPool
	// UpstreamRoots verifies origins, nil for the system roots.
	UpstreamRoots *x509.CertPool
}

// Dynamic reports whether certificates can be issued per hostname.
func (p *Proxying) Dynamic() bool { return p.Store != nil }

// CACertificatePEM returns the root clients must trust, or nil.
func (p *Proxying) CACertificatePEM() []byte {
	if p.Authority == nil {
		return nil
	}
	return p.Authority.CertificatePEM()
}

// NeedsAuthority reports whether cfg terminates TLS anywhere a dynamic
// certificate could be served: intercepted CONNECT tunnels or the HTTPS
// listener.
func NeedsAuthority(cfg *config.Config) bool {
	return cfg.BrowserProxying || cfg.HTTPS.Listen != ""
}

// Setup builds the TLS side of the proxy from cfg. Failures around the
// certificate authority degrade the proxy instead of stopping it; an
// unreadable HTTPS identity or trust store is a configuration error. Without
// NeedsAuthority nothing is read from or written to the CA keystore.
func Setup(cfg *config.Config, log logrus.FieldLogger, observer keymanager.Observer) (*Proxying, error) {
	p := &Proxying{}

	var (
		authority *ca.Authority
		err       error
	)
	if NeedsAuthority(cfg) {
		authority, err = setupAuthority(p, cfg, log)
		if err != nil {
			log.WithError(err).Error("certificate authority unavailable, dynamic certificates disabled")
		}
	}

	p.Identity, err = defaultIdentity(cfg.HTTPS.Keystore, authority, leafOptions(cfg.CA))
	if err != nil {
		return nil, err
	}
	opts := keymanager.Options{Store: p.Store, Log: log, Observer: observer}
	p.Engine = keymanager.NewEngineSelector(p.Identity, opts)
	p.Conn = keymanager.NewConnSelector(p.Identity, opts)

	if cfg.HTTPS.Truststore.Path != "" {
		if p.ClientCAs, err = CertPool(cfg.HTTPS.Truststore); err != nil {
			return nil, fmt.Errorf("https trust store: %w", err)
		}
	}
	if cfg.Upstream.Truststore.Path != "" {
		if p.UpstreamRoots, err = CertPool(cfg.Upstream.Truststore); err != nil {
			return nil, fmt.Errorf("upstream trust store: %w", err)
		}
	}
	return p, nil
}

// setupAuthority opens the CA keystore and loads or creates the authority in
// it, filling p on success. A keystore that exists but cannot be decoded is
// an authority failure, not a storage one: it is left untouched and no
// replacement authority is generated.
func setupAuthority(p *Proxying, cfg *config.Config, log logrus.FieldLogger) (*ca.Authority, error) {
	keys, err := OpenCAKeystore(cfg.CA.Keystore)
	if errors.Is(err, keystore.ErrCorrupt) {
		return nil, fmt.Errorf("persisted certificate authority: %w", err)
	}
	if err != nil {
		log.WithError(err).Error("could not open certificate authority keystore, keeping certificates in memory only")
	}
	p.CAKeys = keys

	authority, err := LoadOrCreateAuthority(keys, cfg.CA.Alias, caOptions(cfg.CA), log)
	if err != nil {
		return nil, err
	}
	p.Authority = authority
	p.Store = certstore.New(authority, keys, certstore.Options{
		Leaf:    leafOptions(cfg.CA),
		Log:     log,
		Exclude: []string{cfg.CA.Alias},
	})
	return authority, nil
}

// defaultIdentity is the configured HTTPS keystore, or a localhost
// certificate from authority (self-signed without one).
func defaultIdentity(s config.Store, authority *ca.Authority, leaf ca.LeafOptions) (keymanager.KeyManager, error) {
	if s.Path != "" {
		ks, err := openStatic(s)
		if err != nil {
			return nil, fmt.Errorf("https keystore: %w", err)
		}
		return keymanager.NewStoreKeyManager(ks, s.Alias)
	}
	var (
		cert *tls.Certificate
		err  error
	)
	if authority != nil {
		cert, err = authority.Issue(DefaultIdentityAlias, leaf)
	} else {
		cert, err = ca.SelfSigned(DefaultIdentityAlias, leaf)
		if err != nil {
			// the configured key type may be what broke the authority
			cert, err = ca.SelfSigned(DefaultIdentityAlias, ca.LeafOptions{Validity: leaf.Validity})
		}
	}
	if err != nil {
		// nothing to serve; selectors report no alias
		return keymanager.Fixed{Alias: DefaultIdentityAlias}, nil
	}
	return keymanager.Fixed{Alias: DefaultIdentityAlias, Cert: cert}, nil
}
