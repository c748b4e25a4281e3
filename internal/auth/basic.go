// Package auth checks proxy credentials.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

type Basic struct {
	Enabled  bool
	Username string
	Password string
}

// Check reports whether r carries acceptable Proxy-Authorization
// credentials. An Authorization header is accepted too, for clients that
// talk to the proxy directly.
func (b Basic) Check(r *http.Request) bool {
	if !b.Enabled {
		return true
	}
	u, p, ok := proxyAuth(r)
	if !ok {
		u, p, ok = r.BasicAuth()
	}
	if !ok {
		return false
	}
	if b.Username == "" && b.Password == "" {
		return true
	}
	user := subtle.ConstantTimeCompare([]byte(u), []byte(b.Username))
	pass := subtle.ConstantTimeCompare([]byte(p), []byte(b.Password))
	return user&pass == 1
}

func proxyAuth(r *http.Request) (username, password string, ok bool) {
	const prefix = "basic "
	h := r.Header.Get("Proxy-Authorization")
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", "", false
	}
	c, err := base64.StdEncoding.DecodeString(h[len(prefix):])
	if err != nil {
		return "", "", false
	}
	username, password, ok = strings.Cut(string(c), ":")
	return username, password, ok
}
