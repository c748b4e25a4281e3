package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"wiremock-proxy/internal/sni"
)

var errRouterClosed = errors.New("router is not listening")

// Connector opens a connection that will carry a CONNECT tunnel.
type Connector interface {
	Connect(ctx context.Context, targetHint string) (net.Conn, error)
}

// Router terminates intercepted CONNECT tunnels on an internal TLS
// listener. Every tunnel is routed to the listener's bound address; the
// CONNECT target only labels the connection, the origin is taken from the
// SNI and Host of what the browser sends through it.
type Router struct {
	timeout time.Duration
	log     logrus.FieldLogger
	srv     *http.Server

	mu   sync.Mutex
	ln   net.Listener
	addr string
}

// NewRouter serves handler over TLS using tlsConfig. HTTP/2 is never
// negotiated on the internal listener.
func NewRouter(handler http.Handler, tlsConfig *tls.Config, dialTimeout time.Duration, log logrus.FieldLogger) *Router {
	cfg := tlsConfig.Clone()
	cfg.NextProtos = []string{"http/1.1"}
	return &Router{
		timeout: dialTimeout,
		log:     log,
		srv: &http.Server{
			Handler:           handler,
			TLSConfig:         cfg,
			TLSNextProto:      map[string]func(*http.Server, *tls.Conn, http.Handler){},
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          newErrorLog(log, "internal listener"),
		},
	}
}

// Listen binds the internal listener.
func (r *Router) Listen(addr string, maxConns int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("internal listener: %w", err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	r.mu.Lock()
	r.ln = tls.NewListener(sni.NewCaptureListener(ln), r.srv.TLSConfig)
	r.addr = ln.Addr().String()
	r.mu.Unlock()
	r.log.WithField("addr", r.addr).Debug("internal TLS listener bound")
	return nil
}

// Serve blocks until Shutdown.
func (r *Router) Serve() error {
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()
	if ln == nil {
		return errRouterClosed
	}
	return r.srv.Serve(ln)
}

// Addr is the bound address, empty before Listen.
func (r *Router) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Connect dials the internal listener. targetHint is only used in errors.
func (r *Router) Connect(ctx context.Context, targetHint string) (net.Conn, error) {
	addr := r.Addr()
	if addr == "" {
		return nil, fmt.Errorf("route %s: %w", targetHint, errRouterClosed)
	}
	d := net.Dialer{Timeout: r.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("route %s via %s: %w", targetHint, addr, err)
	}
	return conn, nil
}

func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ln := r.ln
	r.addr = ""
	r.mu.Unlock()
	err := r.srv.Shutdown(ctx)
	if ln != nil {
		// Serve may never have run
		_ = ln.Close()
	}
	return err
}
