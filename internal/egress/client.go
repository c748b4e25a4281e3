// Package egress builds the transports requests leave the proxy through.
package egress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fumiama/terasu"
	"github.com/fumiama/terasu/dns"
	trshttp "github.com/fumiama/terasu/http"
)

// DNS modes.
const (
	ModeAuto   = "auto"
	ModeTerasu = "terasu"
	ModeSystem = "system"
)

var errNoAddress = errors.New("no address")

type lookupFunc func(ctx context.Context, host string) ([]string, error)

// Transport selects a transport according to dns mode. roots verifies
// origins; nil means the system pool.
func Transport(dnsMode string, roots *x509.CertPool, timeout time.Duration) http.RoundTripper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	switch dnsMode {
	case ModeSystem:
		return newTransport(net.DefaultResolver.LookupHost, roots, timeout)
	default:
		if roots == nil {
			return trshttp.DefaultClient.Transport
		}
		return newTransport(dns.LookupHost, roots, timeout)
	}
}

// newTransport resolves through lookup and tries a fragmented terasu
// handshake before a plain one for every address.
func newTransport(lookup lookupFunc, roots *x509.CertPool, timeout time.Duration) *http.Transport {
	d := &dialer{lookup: lookup, roots: roots, net: net.Dialer{Timeout: timeout}, timeout: timeout}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialTLSContext:        d.dialTLS,
		TLSClientConfig:       &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

type dialer struct {
	lookup  lookupFunc
	roots   *x509.CertPool
	net     net.Dialer
	timeout time.Duration
}

func (d *dialer) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := d.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: errNoAddress.Error(), Name: host, IsNotFound: true}
	}
	for _, a := range addrs {
		target := net.JoinHostPort(a, port)
		if terasu.DefaultFirstFragmentLen > 0 {
			var conn *tls.Conn
			conn, err = d.handshake(ctx, network, target, host, true)
			if err == nil {
				return conn, nil
			}
		}
		var conn *tls.Conn
		conn, err = d.handshake(ctx, network, target, host, false)
		if err == nil {
			return conn, nil
		}
	}
	return nil, err
}

func (d *dialer) handshake(ctx context.Context, network, target, host string, fragment bool) (*tls.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	raw, err := d.net.DialContext(ctx, network, target)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, &tls.Config{ServerName: host, RootCAs: d.roots, MinVersion: tls.VersionTLS12})
	if fragment {
		err = terasu.Use(conn).HandshakeContext(ctx, terasu.DefaultFirstFragmentLen)
	} else {
		err = conn.HandshakeContext(ctx)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
