package keystore

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"wiremock-proxy/internal/ca"
)

func testAuthority(t *testing.T) *ca.Authority {
	t.Helper()
	a, err := ca.Generate(ca.Options{KeyType: ca.KeyECDSA})
	require.NoError(t, err)
	return a
}

func putAuthority(t *testing.T, ks *KeyStore, alias string, a *ca.Authority) {
	t.Helper()
	m, err := a.Material()
	require.NoError(t, err)
	key, err := ca.ParsePrivateKey(m.PrivateKey)
	require.NoError(t, err)
	require.NoError(t, ks.SetPrivateKeyEntry(alias, key, m.Chain))
}

func mustPKCS8(t *testing.T, e *Entry) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(e.PrivateKey)
	require.NoError(t, err)
	return der
}

func x509VerifyOptions(ks *KeyStore, host string) x509.VerifyOptions {
	return x509.VerifyOptions{DNSName: host, Roots: ks.CertPool()}
}

func TestParseType(t *testing.T) {
	tests := map[string]Type{
		"":       TypeJKS,
		"jks":    TypeJKS,
		"pkcs12": TypePKCS12,
		"p12":    TypePKCS12,
		"pfx":    TypePKCS12,
	}
	for in, want := range tests {
		got, err := ParseType(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseType("bks")
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestEntries(t *testing.T) {
	a := testAuthority(t)
	ks := New(TypeJKS, "")
	putAuthority(t, ks, "wiremock-ca", a)

	leaf, err := a.Issue("one.test", ca.LeafOptions{KeyType: ca.KeyECDSA})
	require.NoError(t, err)
	require.NoError(t, ks.SetPrivateKeyEntry("one.test", leaf.PrivateKey, leaf.Certificate))
	require.NoError(t, ks.SetTrustedCertificate("upstream", a.Certificate()))

	require.Equal(t, []string{"one.test", "upstream", "wiremock-ca"}, ks.Aliases())
	require.Equal(t, []string{"one.test", "wiremock-ca"}, ks.PrivateKeyAliases())
	require.True(t, ks.IsPrivateKeyEntry("one.test"))
	require.False(t, ks.IsPrivateKeyEntry("upstream"))

	cert, err := ks.Certificate("one.test")
	require.NoError(t, err)
	require.Equal(t, leaf.Certificate, cert.Certificate)
	require.Equal(t, "one.test", cert.Leaf.Subject.CommonName)

	chain, err := ks.CertificateChain("one.test")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, a.Certificate().Raw, chain[1].Raw)

	_, err = ks.PrivateKeyEntry("missing.test")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = ks.PrivateKeyEntry("upstream")
	require.ErrorIs(t, err, ErrNotFound)

	require.Len(t, ks.TrustedCertificates(), 1)
	_, err = cert.Leaf.Verify(x509VerifyOptions(ks, "one.test"))
	require.NoError(t, err)

	ks.Delete("one.test")
	ks.Delete("never-there")
	require.Equal(t, []string{"upstream", "wiremock-ca"}, ks.Aliases())
}

func TestFileSourceRoundTrip(t *testing.T) {
	a := testAuthority(t)
	src := &FileSource{Path: filepath.Join(t.TempDir(), "ks.jks"), Type: TypeJKS, Password: "password"}
	require.False(t, src.Exists())

	ks, err := Open(src, TypeJKS, "password")
	require.NoError(t, err)
	require.True(t, ks.Persistent())
	putAuthority(t, ks, "wiremock-ca", a)
	require.NoError(t, ks.Flush())
	// saving an unchanged keystore again is harmless
	require.NoError(t, ks.Flush())
	require.True(t, src.Exists())

	loaded, err := Open(src, TypeJKS, "password")
	require.NoError(t, err)
	require.Equal(t, src, loaded.Source())
	e, err := loaded.PrivateKeyEntry("wiremock-ca")
	require.NoError(t, err)
	require.Equal(t, a.Chain(), e.Chain)

	m, err := a.Material()
	require.NoError(t, err)
	reloaded, err := ca.Load(ca.Material{PrivateKey: mustPKCS8(t, e), Chain: e.Chain})
	require.NoError(t, err)
	require.Equal(t, m.Chain, reloaded.Chain())
}

func TestFileSourcePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits are not meaningful on windows")
	}
	dir := filepath.Join(t.TempDir(), "nested", "keystores")
	src := &FileSource{Path: filepath.Join(dir, "ks.jks"), Type: TypeJKS, Password: "password"}
	ks, err := Open(src, TypeJKS, "password")
	require.NoError(t, err)
	putAuthority(t, ks, "wiremock-ca", testAuthority(t))
	require.NoError(t, ks.Flush())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	info, err = os.Stat(src.Path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestDecodeFailures(t *testing.T) {
	ks := New(TypeJKS, "password")
	putAuthority(t, ks, "wiremock-ca", testAuthority(t))
	data, err := ks.Encode()
	require.NoError(t, err)

	_, err = Decode(data, TypeJKS, "not-the-password")
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = Decode([]byte("garbage"), TypeJKS, "password")
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = Decode([]byte("garbage"), TypePKCS12, "password")
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = Decode(data, "bks", "password")
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestPKCS12(t *testing.T) {
	a := testAuthority(t)
	leaf, err := a.Issue("p12.test", ca.LeafOptions{KeyType: ca.KeyECDSA})
	require.NoError(t, err)
	data, err := pkcs12.Modern.Encode(leaf.PrivateKey, leaf.Leaf, []*x509.Certificate{a.Certificate()}, "secret")
	require.NoError(t, err)

	fsys := fstest.MapFS{"identity.p12": {Data: data}}
	src := &ResourceSource{FS: fsys, Name: "identity.p12", Type: TypePKCS12, Password: "secret"}
	require.True(t, src.Exists())
	ks, err := Open(src, TypePKCS12, "secret")
	require.NoError(t, err)
	require.False(t, ks.Persistent())
	require.NoError(t, ks.Flush())

	require.Equal(t, []string{pkcs12Alias}, ks.PrivateKeyAliases())
	cert, err := ks.Certificate(pkcs12Alias)
	require.NoError(t, err)
	require.Equal(t, leaf.Certificate, cert.Certificate)

	_, err = ks.Encode()
	require.ErrorIs(t, err, ErrUnsupportedType)
	require.ErrorIs(t, src.Save(ks), ErrReadOnly)
}

func TestPKCS12TrustStore(t *testing.T) {
	a := testAuthority(t)
	b := testAuthority(t)
	data, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{a.Certificate(), b.Certificate()}, "secret")
	require.NoError(t, err)

	ks, err := Decode(data, TypePKCS12, "secret")
	require.NoError(t, err)
	require.Empty(t, ks.PrivateKeyAliases())
	require.Len(t, ks.TrustedCertificates(), 2)
}

func TestBoltSource(t *testing.T) {
	a := testAuthority(t)
	src := &BoltSource{Path: filepath.Join(t.TempDir(), "state.db"), Type: TypeJKS, Password: "password"}
	require.False(t, src.Exists())

	ks, err := Open(src, TypeJKS, "password")
	require.NoError(t, err)
	putAuthority(t, ks, "wiremock-ca", a)
	require.NoError(t, ks.Flush())
	require.True(t, src.Exists())

	other := &BoltSource{Path: src.Path, Key: "other", Type: TypeJKS, Password: "password"}
	require.False(t, other.Exists())

	loaded, err := Open(src, TypeJKS, "password")
	require.NoError(t, err)
	e, err := loaded.PrivateKeyEntry("wiremock-ca")
	require.NoError(t, err)
	require.Equal(t, a.Chain(), e.Chain)
}

func TestMemorySourceAndDetach(t *testing.T) {
	src := &MemorySource{Type: TypeJKS, Password: "password"}
	ks, err := Open(src, TypeJKS, "password")
	require.NoError(t, err)
	putAuthority(t, ks, "wiremock-ca", testAuthority(t))
	require.NoError(t, ks.Flush())

	loaded, err := src.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"wiremock-ca"}, loaded.Aliases())

	ks.Detach()
	require.False(t, ks.Persistent())
	putAuthority(t, ks, "second", testAuthority(t))
	require.NoError(t, ks.Flush())

	loaded, err = src.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"wiremock-ca"}, loaded.Aliases(), "detached keystore must not write")
	require.Equal(t, []string{"second", "wiremock-ca"}, ks.Aliases())
}

func TestConcurrentFlush(t *testing.T) {
	a := testAuthority(t)
	src := &FileSource{Path: filepath.Join(t.TempDir(), "ks.jks"), Type: TypeJKS, Password: "password"}
	ks, err := Open(src, TypeJKS, "password")
	require.NoError(t, err)
	putAuthority(t, ks, "wiremock-ca", a)

	hosts := []string{"a.test", "b.test", "c.test", "d.test", "e.test", "f.test", "g.test", "h.test"}
	var wg sync.WaitGroup
	for _, h := range hosts {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			leaf, err := a.Issue(h, ca.LeafOptions{KeyType: ca.KeyECDSA})
			if err != nil {
				t.Error(err)
				return
			}
			if err := ks.SetPrivateKeyEntry(h, leaf.PrivateKey, leaf.Certificate); err != nil {
				t.Error(err)
				return
			}
			if err := ks.Flush(); err != nil {
				t.Error(err)
			}
		}(h)
	}
	wg.Wait()

	loaded, err := src.Load()
	require.NoError(t, err)
	require.Len(t, loaded.PrivateKeyAliases(), len(hosts)+1)
}
