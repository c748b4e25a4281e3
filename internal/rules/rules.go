// Package rules decides which CONNECT targets are intercepted.
package rules

import (
	"net"
	"strings"

	"wiremock-proxy/internal/hostmatch"
)

type Mode string

const (
	ModeAll  Mode = "all"
	ModeList Mode = "list"
)

// Engine matches CONNECT targets against the intercept list. An entry
// "example.com" covers the domain and every subdomain; "*.example.com"
// covers subdomains only.
type Engine struct {
	Mode     Mode
	Suffix   []string
	Wildcard []string
}

func New(mode string, list []string) *Engine {
	e := &Engine{Mode: Mode(mode)}
	for _, d := range list {
		s := strings.TrimSpace(d)
		wild := strings.HasPrefix(s, "*.")
		s = hostmatch.Normalize(strings.TrimPrefix(s, "*."))
		if s == "" {
			continue
		}
		if wild {
			e.Wildcard = append(e.Wildcard, s)
		} else {
			e.Suffix = append(e.Suffix, s)
		}
	}
	return e
}

// Host strips the port from a CONNECT target and normalizes what is left.
func Host(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.Trim(hostport, "[]")
	}
	return hostmatch.Normalize(host)
}

// ShouldIntercept decides whether a host:port should be MITM-ed.
func (e *Engine) ShouldIntercept(hostport string) bool {
	host := Host(hostport)
	switch e.Mode {
	case ModeAll:
		return true
	case ModeList:
		for _, suf := range e.Suffix {
			if host == suf || strings.HasSuffix(host, "."+suf) {
				return true
			}
		}
		for _, suf := range e.Wildcard {
			if strings.HasSuffix(host, "."+suf) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
