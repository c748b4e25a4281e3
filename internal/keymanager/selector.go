package keymanager

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"wiremock-proxy/internal/certstore"
	"wiremock-proxy/internal/hostmatch"
	"wiremock-proxy/internal/sni"
)

// Outcome is how a selector resolved one handshake.
type Outcome string

const (
	// OutcomeNone: the wrapped key manager had nothing to offer.
	OutcomeNone Outcome = "none"
	// OutcomeDefault: no usable server name, the default alias was served.
	OutcomeDefault Outcome = "default"
	// OutcomeDefaultMatched: the default certificate covers a requested name.
	OutcomeDefaultMatched Outcome = "default_matched"
	// OutcomeDynamic: a certificate from the store was served.
	OutcomeDynamic Outcome = "dynamic"
	// OutcomeFailed: the store could not provide a certificate, the default
	// alias was served.
	OutcomeFailed Outcome = "failed"
)

// storeAliasPrefix marks aliases a selector hands out for store entries, so
// a generated leaf never shadows a delegate alias spelled like its hostname.
const storeAliasPrefix = "dynamic:"

func storeAlias(e *certstore.Entry) string { return storeAliasPrefix + e.Alias }

// Observer is told the outcome of every selection.
type Observer interface {
	ObserveSelection(outcome Outcome)
}

// Options configure a selector. Store may be nil, in which case the
// selector always serves the default alias.
type Options struct {
	Store    *certstore.Store
	Matcher  hostmatch.Matcher
	Log      logrus.FieldLogger
	Observer Observer
}

// selector holds the decision shared by ConnSelector and EngineSelector,
// which differ only in how they reach the handshake session. Selection never
// panics and never fails: anything going wrong serves the default alias.
type selector struct {
	delegate KeyManager
	store    *certstore.Store
	matcher  hostmatch.Matcher
	log      logrus.FieldLogger
	observer Observer

	mu        sync.RWMutex
	installed map[string]*tls.Certificate
}

func newSelector(delegate KeyManager, o Options) *selector {
	if o.Matcher == nil {
		o.Matcher = hostmatch.Default
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	return &selector{
		delegate:  delegate,
		store:     o.Store,
		matcher:   o.Matcher,
		log:       o.Log,
		observer:  o.Observer,
		installed: make(map[string]*tls.Certificate),
	}
}

// choose runs the selection for one handshake. session is only called once
// a default alias exists.
func (s *selector) choose(hello *tls.ClientHelloInfo, session func() sni.Session) (alias string) {
	def := s.defaultAlias(hello)
	if def == "" {
		s.observe(OutcomeNone)
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Warn("certificate selection failed, serving default certificate")
			s.observe(OutcomeFailed)
			alias = def
		}
	}()

	hosts := sni.TryExtractRequestedHostnames(session())
	if len(hosts) == 0 || s.store == nil {
		s.observe(OutcomeDefault)
		return def
	}
	if s.defaultCovers(def, hosts) {
		s.observe(OutcomeDefaultMatched)
		return def
	}
	host := hosts[0]
	e, err := s.store.CertificateFor(host)
	if err != nil {
		s.log.WithError(err).WithField("host", host).Warn("no certificate for requested host, serving default certificate")
		s.observe(OutcomeFailed)
		return def
	}
	alias = s.install(e)
	s.observe(OutcomeDynamic)
	return alias
}

func (s *selector) defaultAlias(hello *tls.ClientHelloInfo) (alias string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Warn("default key manager failed")
			alias = ""
		}
	}()
	return s.delegate.ChooseServerAlias(hello)
}

// defaultCovers reports whether the default certificate satisfies any of
// the requested hosts.
func (s *selector) defaultCovers(def string, hosts []string) bool {
	chain := s.delegate.CertificateChain(def)
	if len(chain) == 0 || chain[0] == nil {
		return false
	}
	for _, h := range hosts {
		if s.matcher.Matches(chain[0], h) {
			return true
		}
	}
	return false
}

func (s *selector) install(e *certstore.Entry) string {
	alias := storeAlias(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installed[alias] = e.Certificate
	return alias
}

// storeCertificate resolves a prefixed alias against the installed table,
// then the store. Anything else is left to the delegate.
func (s *selector) storeCertificate(alias string) *tls.Certificate {
	name, ok := strings.CutPrefix(alias, storeAliasPrefix)
	if !ok {
		return nil
	}
	s.mu.RLock()
	cert, ok := s.installed[alias]
	s.mu.RUnlock()
	if ok {
		return cert
	}
	if s.store == nil {
		return nil
	}
	e, ok := s.store.Lookup(name)
	if !ok {
		return nil
	}
	s.install(e)
	return e.Certificate
}

func (s *selector) observe(o Outcome) {
	if s.observer != nil {
		s.observer.ObserveSelection(o)
	}
}

func (s *selector) Certificate(alias string) (cert *tls.Certificate) {
	defer func() {
		if recover() != nil {
			cert = nil
		}
	}()
	if c := s.storeCertificate(alias); c != nil {
		return c
	}
	return s.delegate.Certificate(alias)
}

func (s *selector) CertificateChain(alias string) (chain []*x509.Certificate) {
	defer func() {
		if recover() != nil {
			chain = nil
		}
	}()
	if c := s.storeCertificate(alias); c != nil {
		chain, _ = parseChain(c)
		return chain
	}
	return s.delegate.CertificateChain(alias)
}

// ConnSelector reads the requested name from the ClientHelloInfo of a
// stream connection. It only ever sees the single name crypto/tls exposes.
type ConnSelector struct {
	*selector
}

func NewConnSelector(delegate KeyManager, o Options) *ConnSelector {
	return &ConnSelector{selector: newSelector(delegate, o)}
}

func (c *ConnSelector) ChooseServerAlias(hello *tls.ClientHelloInfo) string {
	return c.choose(hello, func() sni.Session {
		if hello == nil || hello.Conn == nil {
			return nil
		}
		if hello.ServerName == "" {
			return sni.Names{}
		}
		return sni.Names{{Type: sni.HostName, Name: hello.ServerName}}
	})
}

// EngineSelector reads every requested name from the ClientHello recorded by
// an sni.CaptureListener underneath the TLS connection.
type EngineSelector struct {
	*selector
}

func NewEngineSelector(delegate KeyManager, o Options) *EngineSelector {
	return &EngineSelector{selector: newSelector(delegate, o)}
}

func (e *EngineSelector) ChooseServerAlias(hello *tls.ClientHelloInfo) string {
	return e.choose(hello, func() sni.Session {
		if hello == nil || hello.Conn == nil {
			return nil
		}
		s, ok := sni.SessionOf(hello.Conn)
		if !ok {
			return unsupported{}
		}
		return s
	})
}

type unsupported struct{}

func (unsupported) RequestedServerNames() ([]sni.ServerName, error) {
	return nil, sni.ErrUnsupported
}

// GetCertificate adapts a KeyManager to tls.Config.GetCertificate.
func GetCertificate(m KeyManager) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		alias := m.ChooseServerAlias(hello)
		if alias == "" {
			return nil, ErrNoCertificate
		}
		cert := m.Certificate(alias)
		if cert == nil {
			return nil, fmt.Errorf("%w: alias %q", ErrNoCertificate, alias)
		}
		return cert, nil
	}
}
