// Package certstore hands out leaf certificates per hostname, issuing them
// from the CA on first sight and keeping them in a keystore.
package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FloatTech/ttl"
	"github.com/sirupsen/logrus"

	"wiremock-proxy/internal/ca"
	"wiremock-proxy/internal/hostmatch"
	"wiremock-proxy/internal/keystore"
)

// DefaultFailureBackoff is how long a failed issuance for a hostname is
// remembered before the CA is asked again.
const DefaultFailureBackoff = 30 * time.Second

var ErrInvalidHostname = errors.New("invalid hostname")

// Entry is one issued leaf. Entries are never modified after creation.
type Entry struct {
	Host        string
	Alias       string
	Certificate *tls.Certificate
	Leaf        *x509.Certificate
	Issued      time.Time
}

// Options tune a Store. The zero value is usable.
type Options struct {
	Matcher        hostmatch.Matcher
	Leaf           ca.LeafOptions
	FailureBackoff time.Duration
	Log            logrus.FieldLogger
	// Exclude lists keystore aliases never seeded as leaves, such as the CA.
	Exclude []string
}

// Store is safe for concurrent use by any number of handshakes.
type Store struct {
	authority *ca.Authority
	keys      *keystore.KeyStore
	matcher   hostmatch.Matcher
	leaf      ca.LeafOptions
	log       logrus.FieldLogger
	backoff   time.Duration

	locks keyedMutex

	mu       sync.RWMutex
	entries  map[string]*Entry
	order    []string
	failures *ttl.Cache[string, error]

	detachOnce sync.Once
}

// New builds a store issuing from authority. keys may be nil for a store
// that keeps nothing beyond the process. Leaf entries already in keys that
// chain to authority and are still valid are loaded.
func New(authority *ca.Authority, keys *keystore.KeyStore, o Options) *Store {
	if o.Matcher == nil {
		o.Matcher = hostmatch.Default
	}
	if o.FailureBackoff <= 0 {
		o.FailureBackoff = DefaultFailureBackoff
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	s := &Store{
		authority: authority,
		keys:      keys,
		matcher:   o.Matcher,
		leaf:      o.Leaf,
		log:       o.Log,
		backoff:   o.FailureBackoff,
		entries:   make(map[string]*Entry),
		failures:  ttl.NewCache[string, error](o.FailureBackoff),
	}
	s.seed(o.Exclude)
	return s
}

func (s *Store) seed(exclude []string) {
	if s.keys == nil {
		return
	}
	skip := make(map[string]bool, len(exclude))
	for _, a := range exclude {
		skip[a] = true
	}
	now := time.Now()
	for _, alias := range s.keys.PrivateKeyAliases() {
		if skip[alias] {
			continue
		}
		e, err := s.keys.PrivateKeyEntry(alias)
		if err != nil {
			s.log.WithError(err).WithField("alias", alias).Debug("skip unreadable keystore entry")
			continue
		}
		cert, err := e.TLSCertificate()
		if err != nil {
			continue
		}
		leaf := cert.Leaf
		if leaf.IsCA || now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
			continue
		}
		if leaf.CheckSignatureFrom(s.authority.Certificate()) != nil {
			continue
		}
		host := hostmatch.Normalize(alias)
		s.entries[host] = &Entry{Host: host, Alias: alias, Certificate: cert, Leaf: leaf, Issued: e.Created}
		s.order = append(s.order, host)
	}
	if len(s.order) > 0 {
		s.log.WithField("count", len(s.order)).Info("loaded persisted leaf certificates")
	}
}

// CertificateFor returns the entry serving hostname, issuing one if no
// existing entry satisfies it. Concurrent callers for the same hostname all
// observe the same entry.
func (s *Store) CertificateFor(hostname string) (*Entry, error) {
	host := hostmatch.Normalize(hostname)
	if host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHostname, hostname)
	}
	if e := s.find(host); e != nil {
		return e, nil
	}
	if err := s.recentFailure(host); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(host)
	defer unlock()

	if e := s.find(host); e != nil {
		return e, nil
	}
	if err := s.recentFailure(host); err != nil {
		return nil, err
	}
	cert, err := s.authority.Issue(host, s.leaf)
	if err != nil {
		s.mu.RLock()
		s.failures.Set(host, err)
		s.mu.RUnlock()
		return nil, err
	}
	e := &Entry{Host: host, Alias: host, Certificate: cert, Leaf: cert.Leaf, Issued: time.Now()}
	s.persist(e)

	s.mu.Lock()
	if _, ok := s.entries[host]; !ok {
		s.order = append(s.order, host)
	}
	s.entries[host] = e
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"host": host, "alias": e.Alias}).Info("issued certificate")
	return e, nil
}

func (s *Store) recentFailure(host string) error {
	s.mu.RLock()
	err := s.failures.Get(host)
	s.mu.RUnlock()
	if err == nil {
		return nil
	}
	return fmt.Errorf("recent failure for %s: %w", host, err)
}

// find returns the entry keyed by host, or any entry whose certificate
// satisfies host.
func (s *Store) find(host string) *Entry {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[host]; ok && usable(e, now) {
		return e
	}
	for _, key := range s.order {
		e := s.entries[key]
		if usable(e, now) && s.matcher.Matches(e.Leaf, host) {
			return e
		}
	}
	return nil
}

func usable(e *Entry, now time.Time) bool {
	return !now.After(e.Leaf.NotAfter)
}

// persist writes e to the keystore. A keystore that cannot be saved is
// switched to memory-only, and that is reported once.
func (s *Store) persist(e *Entry) {
	if s.keys == nil {
		return
	}
	log := s.log.WithFields(logrus.Fields{"host": e.Host, "alias": e.Alias})
	if err := s.keys.SetPrivateKeyEntry(e.Alias, e.Certificate.PrivateKey, e.Certificate.Certificate); err != nil {
		log.WithError(err).Warn("could not add certificate to keystore")
		return
	}
	if err := s.keys.Flush(); err != nil {
		s.keys.Detach()
		s.detachOnce.Do(func() {
			log.WithError(err).WithField("source", s.keys.Source()).
				Error("could not save keystore, generated certificates are kept in memory only")
		})
	}
}

// Lookup returns the entry stored under alias.
func (s *Store) Lookup(alias string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.Alias == alias {
			return e, true
		}
	}
	return nil, false
}

// Entries returns every entry in issuance order.
func (s *Store) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.entries[key])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Authority returns the CA the store issues from.
func (s *Store) Authority() *ca.Authority { return s.authority }

// Reset drops every entry, including its keystore alias, and forgets
// recent failures.
func (s *Store) Reset() error {
	s.mu.Lock()
	aliases := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		aliases = append(aliases, e.Alias)
	}
	s.entries = make(map[string]*Entry)
	s.order = nil
	s.failures = ttl.NewCache[string, error](s.backoff)
	s.mu.Unlock()

	if s.keys == nil {
		return nil
	}
	for _, alias := range aliases {
		s.keys.Delete(alias)
	}
	return s.keys.Flush()
}
