package certstore

import (
	"crypto/x509"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"wiremock-proxy/internal/ca"
	"wiremock-proxy/internal/hostmatch"
	"wiremock-proxy/internal/keystore"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

// brokenSource accepts nothing.
type brokenSource struct{ saves int }

func (s *brokenSource) Exists() bool                      { return false }
func (s *brokenSource) Load() (*keystore.KeyStore, error) { return nil, errors.New("unreadable") }
func (s *brokenSource) Save(*keystore.KeyStore) error     { s.saves++; return errors.New("disk full") }
func (s *brokenSource) Writable() bool                    { return true }
func (s *brokenSource) String() string                    { return "broken" }

func testAuthority(t *testing.T) *ca.Authority {
	t.Helper()
	a, err := ca.Generate(ca.Options{KeyType: ca.KeyECDSA})
	require.NoError(t, err)
	return a
}

func leafOptions() ca.LeafOptions { return ca.LeafOptions{KeyType: ca.KeyECDSA} }

func TestCertificateForIssuesOnce(t *testing.T) {
	a := testAuthority(t)
	ks := keystore.New(keystore.TypeJKS, "")
	s := New(a, ks, Options{Leaf: leafOptions()})

	const n = 32
	var wg sync.WaitGroup
	got := make([]*Entry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := s.CertificateFor("new-host.test")
			if err != nil {
				t.Error(err)
				return
			}
			got[i] = e
		}(i)
	}
	wg.Wait()

	for _, e := range got {
		require.Same(t, got[0], e)
	}
	require.Equal(t, 1, s.Len())
	require.Equal(t, "new-host.test", got[0].Alias)
	require.Equal(t, []string{"new-host.test"}, got[0].Leaf.DNSNames)
	require.NoError(t, got[0].Leaf.CheckSignatureFrom(a.Certificate()))
	require.Equal(t, []string{"new-host.test"}, ks.PrivateKeyAliases())
	require.Zero(t, s.locks.size())
}

func TestCertificateForNormalizes(t *testing.T) {
	s := New(testAuthority(t), nil, Options{Leaf: leafOptions()})
	e1, err := s.CertificateFor("Mixed.Example.TEST.")
	require.NoError(t, err)
	e2, err := s.CertificateFor("mixed.example.test")
	require.NoError(t, err)
	require.Same(t, e1, e2)
	require.Equal(t, "mixed.example.test", e1.Host)

	_, err = s.CertificateFor("  ")
	require.ErrorIs(t, err, ErrInvalidHostname)
}

func TestCertificateForReusesMatchingEntry(t *testing.T) {
	everything := hostmatch.Func(func(*x509.Certificate, string) bool { return true })
	s := New(testAuthority(t), nil, Options{Leaf: leafOptions(), Matcher: everything})
	first, err := s.CertificateFor("first.test")
	require.NoError(t, err)
	other, err := s.CertificateFor("other.test")
	require.NoError(t, err)
	require.Same(t, first, other)
	require.Equal(t, 1, s.Len())
}

func TestCertificateForFailingAuthority(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	s := New(testAuthority(t).WithRand(failingReader{}), nil, Options{Leaf: leafOptions(), Log: logger})

	_, err := s.CertificateFor("broken.test")
	require.ErrorIs(t, err, ca.ErrGenerationFailed)
	// remembered for the backoff window
	_, err = s.CertificateFor("broken.test")
	require.ErrorIs(t, err, ca.ErrGenerationFailed)
	require.Zero(t, s.Len())
	require.Empty(t, hook.AllEntries())
}

func TestPersistFailureDetachesOnce(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	src := &brokenSource{}
	ks := keystore.New(keystore.TypeJKS, "")
	ks.Attach(src)
	s := New(testAuthority(t), ks, Options{Leaf: leafOptions(), Log: logger})

	for _, h := range []string{"a.test", "b.test", "c.test"} {
		e, err := s.CertificateFor(h)
		require.NoError(t, err)
		require.Equal(t, h, e.Alias)
	}
	require.Equal(t, 1, src.saves)
	require.False(t, ks.Persistent())
	require.Len(t, ks.PrivateKeyAliases(), 3)

	var errorsLogged int
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	require.Equal(t, 1, errorsLogged)
}

func TestSeedFromKeystore(t *testing.T) {
	a := testAuthority(t)
	other := testAuthority(t)
	ks := keystore.New(keystore.TypeJKS, "")

	m, err := a.Material()
	require.NoError(t, err)
	key, err := ca.ParsePrivateKey(m.PrivateKey)
	require.NoError(t, err)
	require.NoError(t, ks.SetPrivateKeyEntry("wiremock-ca", key, m.Chain))

	mine, err := a.Issue("wiremock.org", leafOptions())
	require.NoError(t, err)
	require.NoError(t, ks.SetPrivateKeyEntry("wiremock.org", mine.PrivateKey, mine.Certificate))
	foreign, err := other.Issue("foreign.test", leafOptions())
	require.NoError(t, err)
	require.NoError(t, ks.SetPrivateKeyEntry("foreign.test", foreign.PrivateKey, foreign.Certificate))

	s := New(a, ks, Options{Leaf: leafOptions(), Exclude: []string{"wiremock-ca"}})
	require.Equal(t, 1, s.Len())

	e, ok := s.Lookup("wiremock.org")
	require.True(t, ok)
	require.Equal(t, mine.Certificate, e.Certificate.Certificate)

	got, err := s.CertificateFor("WireMock.org")
	require.NoError(t, err)
	require.Same(t, e, got)

	_, ok = s.Lookup("foreign.test")
	require.False(t, ok)
}

func TestReset(t *testing.T) {
	ks := keystore.New(keystore.TypeJKS, "")
	s := New(testAuthority(t), ks, Options{Leaf: leafOptions()})
	_, err := s.CertificateFor("one.test")
	require.NoError(t, err)
	_, err = s.CertificateFor("two.test")
	require.NoError(t, err)
	require.Len(t, s.Entries(), 2)

	require.NoError(t, s.Reset())
	require.Zero(t, s.Len())
	require.Empty(t, ks.PrivateKeyAliases())

	e, err := s.CertificateFor("one.test")
	require.NoError(t, err)
	require.Equal(t, "one.test", e.Alias)
}
