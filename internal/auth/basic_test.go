package auth

import (
	"encoding/base64"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasicCheck(t *testing.T) {
	b := Basic{Enabled: true, Username: "user", Password: "pass"}

	r := httptest.NewRequest("CONNECT", "http://example.com:443", nil)
	require.False(t, b.Check(r))

	r.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")))
	require.True(t, b.Check(r))

	r.Header.Set("Proxy-Authorization", "basic "+base64.StdEncoding.EncodeToString([]byte("user:nope")))
	require.False(t, b.Check(r))

	r.Header.Set("Proxy-Authorization", "Bearer token")
	require.False(t, b.Check(r))

	r = httptest.NewRequest("GET", "/", nil)
	r.SetBasicAuth("user", "pass")
	require.True(t, b.Check(r))
}

func TestBasicDisabledOrOpen(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	require.True(t, Basic{}.Check(r))

	open := Basic{Enabled: true}
	require.False(t, open.Check(r), "credentials must still be presented")
	r.SetBasicAuth("anyone", "anything")
	require.True(t, open.Check(r))
}
