// Package hostmatch decides whether a certificate presents an identity for a
// requested server name.
//
// Two interchangeable matchers are provided. Default follows the conventional
// server identity rules (subject alternative names, falling back to the common
// name, one leftmost wildcard label). X509 defers to crypto/x509, which is what
// Go HTTP clients use when verifying upstream servers.
package hostmatch

import (
	"crypto/x509"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// Matcher reports whether cert satisfies host.
type Matcher interface {
	Matches(cert *x509.Certificate, host string) bool
}

// Func adapts an ordinary function to Matcher.
type Func func(cert *x509.Certificate, host string) bool

// Matches calls f(cert, host).
func (f Func) Matches(cert *x509.Certificate, host string) bool { return f(cert, host) }

var (
	// Default checks DNS SANs, or the common name when there are none.
	Default Matcher = ruleMatcher{}
	// X509 uses (*x509.Certificate).VerifyHostname. It never looks at the
	// common name.
	X509 Matcher = x509Matcher{}
)

type ruleMatcher struct{}

func (ruleMatcher) Matches(cert *x509.Certificate, host string) bool {
	if cert == nil {
		return false
	}
	host = Normalize(host)
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, candidate := range cert.IPAddresses {
			if candidate.Equal(ip) {
				return true
			}
		}
		return false
	}
	names := cert.DNSNames
	if len(names) == 0 && cert.Subject.CommonName != "" {
		names = []string{cert.Subject.CommonName}
	}
	for _, pattern := range names {
		if matchPattern(pattern, host) {
			return true
		}
	}
	return false
}

type x509Matcher struct{}

func (x509Matcher) Matches(cert *x509.Certificate, host string) bool {
	if cert == nil || host == "" {
		return false
	}
	return cert.VerifyHostname(host) == nil
}

// matchPattern compares one certificate name against an already normalized host.
func matchPattern(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	if pattern == "" {
		return false
	}
	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}
	suffix := pattern[1:]
	// "*.com" would cover a whole TLD
	if strings.Count(suffix, ".") < 2 {
		return false
	}
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	label := host[:len(host)-len(suffix)]
	return label != "" && !strings.Contains(label, ".")
}

// Normalize lowercases name, drops a trailing dot and converts
// internationalized names to their ASCII form. Names idna rejects are only
// lowercased.
func Normalize(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		name = ascii
	}
	return strings.ToLower(name)
}

// ValidHostname reports whether name is a well-formed DNS host name. IP
// literals are not host names.
func ValidHostname(name string) bool {
	name = strings.TrimSuffix(name, ".")
	if name == "" || len(name) > 253 {
		return false
	}
	if net.ParseIP(name) != nil {
		return false
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return false
	}
	for _, label := range strings.Split(ascii, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}
