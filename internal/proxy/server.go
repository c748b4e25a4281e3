// Package proxy is the browser-facing side: a plaintext forward proxy,
// CONNECT routing into the internal TLS listener and an optional HTTPS
// listener.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/netutil"

	"wiremock-proxy/internal/auth"
	"wiremock-proxy/internal/config"
	"wiremock-proxy/internal/egress"
	"wiremock-proxy/internal/keymanager"
	"wiremock-proxy/internal/metrics"
	"wiremock-proxy/internal/mitm"
	"wiremock-proxy/internal/rules"
)

// CACertificatePath serves the root browsers must trust.
const CACertificatePath = "/__admin/certs/wiremock-ca.crt"

// how long a tunnel waits for the client to finish once the origin side
// has closed
const tunnelLinger = 10 * time.Second

type Server struct {
	cfg   *config.Config
	log   *logrus.Logger
	rules *rules.Engine
	tls   *mitm.Proxying
	rp    *httputil.ReverseProxy
	auth  auth.Basic
	stats *metrics.Aggregator

	router    *Router
	connector Connector

	srv      *http.Server
	httpsSrv *http.Server

	mu      sync.Mutex
	ln      net.Listener
	httpsLn net.Listener
	tunnels map[net.Conn]struct{}
}

func NewServer(cfg *config.Config, log *logrus.Logger) (*Server, error) {
	agg := metrics.NewAggregator()
	p, err := mitm.Setup(cfg, log, agg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		log:   log,
		rules: rules.New(cfg.Mode, cfg.InterceptList),
		tls:   p,
		auth: auth.Basic{
			Enabled:  cfg.Security.BasicAuth.Enabled,
			Username: cfg.Security.BasicAuth.Username,
			Password: cfg.Security.BasicAuth.Password,
		},
		stats:   agg,
		tunnels: make(map[net.Conn]struct{}),
	}

	base := egress.Transport(cfg.DNS.Mode, p.UpstreamRoots, cfg.Limits.DialTimeout)
	s.rp = &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			if r.URL.Scheme == "" {
				r.URL.Scheme = "https"
			}
			r.Host = r.URL.Host
			r.Header.Del("Proxy-Connection")
			r.Header.Del("Proxy-Authorization")
		},
		Transport:     &metrics.Transport{Base: base, Agg: agg},
		FlushInterval: 50 * time.Millisecond,
		ErrorHandler:  s.upstreamError,
	}

	s.router = NewRouter(http.HandlerFunc(s.serveIntercepted), &tls.Config{
		GetCertificate: keymanager.GetCertificate(p.Engine),
		MinVersion:     tls.VersionTLS12,
	}, s.dialTimeout(), log)
	s.connector = s.router

	s.srv = &http.Server{
		Handler:        http.HandlerFunc(s.handle),
		ReadTimeout:    cfg.Limits.ReadTimeout,
		WriteTimeout:   cfg.Limits.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		ErrorLog:       newErrorLog(log, "proxy"),
	}

	if cfg.HTTPS.Listen != "" {
		tc := &tls.Config{
			GetCertificate: keymanager.GetCertificate(p.Conn),
			MinVersion:     tls.VersionTLS12,
			ClientCAs:      p.ClientCAs,
		}
		switch {
		case cfg.HTTPS.NeedClientAuth:
			tc.ClientAuth = tls.RequireAndVerifyClientCert
		case p.ClientCAs != nil:
			tc.ClientAuth = tls.VerifyClientCertIfGiven
		}
		s.httpsSrv = &http.Server{
			Handler:        http.HandlerFunc(s.handle),
			TLSConfig:      tc,
			ReadTimeout:    cfg.Limits.ReadTimeout,
			IdleTimeout:    120 * time.Second,
			MaxHeaderBytes: 1 << 20,
			ErrorLog:       newErrorLog(log, "https"),
		}
		if err := http2.ConfigureServer(s.httpsSrv, &http2.Server{}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// Listen binds every listener without serving yet.
func (s *Server) Listen() error {
	if err := s.router.Listen(s.cfg.MITM.Listen, s.cfg.Limits.MaxConns); err != nil {
		return err
	}
	ln, err := listen(s.cfg.Listen, s.cfg.Limits.MaxConns)
	if err != nil {
		return err
	}
	var httpsLn net.Listener
	if s.httpsSrv != nil {
		l, err := listen(s.cfg.HTTPS.Listen, s.cfg.Limits.MaxConns)
		if err != nil {
			_ = ln.Close()
			return err
		}
		httpsLn = tls.NewListener(l, s.httpsSrv.TLSConfig)
	}
	s.mu.Lock()
	s.ln, s.httpsLn = ln, httpsLn
	s.mu.Unlock()
	return nil
}

// Serve blocks until the first listener stops, which is http.ErrServerClosed
// after Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln, httpsLn := s.ln, s.httpsLn
	s.mu.Unlock()
	if ln == nil {
		return errors.New("proxy: Serve called before Listen")
	}

	errc := make(chan error, 3)
	go func() { errc <- s.router.Serve() }()
	if httpsLn != nil {
		s.log.Infof("https listening on %s", httpsLn.Addr())
		go func() { errc <- s.httpsSrv.Serve(httpsLn) }()
	}
	s.log.Infof("listening on %s", ln.Addr())
	go func() { errc <- s.srv.Serve(ln) }()
	return <-errc
}

func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops the listeners and closes open tunnels.
func (s *Server) Shutdown(ctx context.Context) error {
	errs := []error{s.srv.Shutdown(ctx), s.router.Shutdown(ctx)}
	if s.httpsSrv != nil {
		errs = append(errs, s.httpsSrv.Shutdown(ctx))
	}
	s.mu.Lock()
	for c := range s.tunnels {
		_ = c.Close()
	}
	s.mu.Unlock()
	return errors.Join(errs...)
}

// Addr is the plaintext proxy address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// HTTPSAddr is nil unless an HTTPS listener is configured and bound.
func (s *Server) HTTPSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpsLn == nil {
		return nil
	}
	return s.httpsLn.Addr()
}

// Stats exposes metrics aggregator for external services
func (s *Server) Stats() *metrics.Aggregator { return s.stats }

func (s *Server) Proxying() *mitm.Proxying { return s.tls }

// Certificates lists the leaves issued for intercepted hosts.
func (s *Server) Certificates() []metrics.Certificate {
	if s.tls.Store == nil {
		return nil
	}
	entries := s.tls.Store.Entries()
	out := make([]metrics.Certificate, 0, len(entries))
	for _, e := range entries {
		out = append(out, metrics.Certificate{Host: e.Host, Alias: e.Alias, NotAfter: e.Leaf.NotAfter, Issued: e.Issued})
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Host == "" && r.URL.Path == CACertificatePath {
		s.serveCA(w)
		return
	}
	if !s.auth.Check(r) {
		w.Header().Set("Proxy-Authenticate", `Basic realm="wiremock-proxy"`)
		http.Error(w, "proxy auth required", http.StatusProxyAuthRequired)
		return
	}
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	// absolute-form request for proxy
	if r.URL.Host == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *Server) serveCA(w http.ResponseWriter) {
	pem := s.tls.CACertificatePEM()
	if pem == nil {
		http.Error(w, "no certificate authority", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	_, _ = w.Write(pem)
}

// serveIntercepted handles requests arriving through a routed tunnel. They
// are origin-form; the origin comes from Host, or SNI without one.
func (s *Server) serveIntercepted(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if host == "" && r.TLS != nil {
		host = r.TLS.ServerName
	}
	if host == "" {
		http.Error(w, "missing host", http.StatusBadRequest)
		return
	}
	r.URL.Scheme = "https"
	r.URL.Host = host
	s.rp.ServeHTTP(w, r)
}

func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.WithError(err).WithField("host", r.URL.Host).Warn("upstream request failed")
	w.WriteHeader(http.StatusBadGateway)
}

func (s *Server) intercepts(target string) bool {
	return s.cfg.BrowserProxying && s.rules.ShouldIntercept(target)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	if target == "" {
		http.Error(w, "bad connect", http.StatusBadRequest)
		return
	}
	intercept := s.intercepts(target)
	id := uuid.NewString()
	log := s.log.WithFields(logrus.Fields{"conn": id, "target": target, "intercept": intercept})

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "not supported", http.StatusInternalServerError)
		return
	}
	client, brw, err := hj.Hijack()
	if err != nil {
		log.WithError(err).Warn("hijack failed")
		return
	}
	s.track(client, true)
	defer s.track(client, false)
	defer client.Close()
	// the server's read and write timeouts do not apply to tunnels
	_ = client.SetDeadline(time.Time{})

	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout())
	upstream, err := s.open(ctx, target, intercept)
	cancel()
	if err != nil {
		log.WithError(err).Warn("CONNECT failed")
		_, _ = io.WriteString(client, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
		s.record(id, target, start, http.StatusBadGateway, 0, 0)
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		log.WithError(err).Debug("client went away")
		return
	}
	log.Debug("CONNECT established")
	up, down := splice(client, brw.Reader, upstream)
	s.record(id, target, start, http.StatusOK, up, down)
	log.WithFields(logrus.Fields{"up": up, "down": down}).Debug("CONNECT closed")
}

// open routes intercepted targets to the internal listener and dials the
// rest directly.
func (s *Server) open(ctx context.Context, target string, intercept bool) (net.Conn, error) {
	if intercept {
		return s.connector.Connect(ctx, target)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", target)
}

func (s *Server) dialTimeout() time.Duration {
	if s.cfg.Limits.DialTimeout > 0 {
		return s.cfg.Limits.DialTimeout
	}
	return 10 * time.Second
}

func (s *Server) track(c net.Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.tunnels[c] = struct{}{}
	} else {
		delete(s.tunnels, c)
	}
}

// record a CONNECT event for visibility in metrics/logs
func (s *Server) record(id, target string, start time.Time, code int, up, down int64) {
	s.stats.Add(metrics.RequestEvent{
		Conn:     id,
		Ts:       time.Now().UTC(),
		Host:     rules.Host(target),
		Method:   http.MethodConnect,
		Path:     "/",
		Code:     code,
		Ms:       time.Since(start).Milliseconds(),
		BytesIn:  down,
		BytesOut: up,
	})
}

// splice copies both ways until the origin side is done and the client has
// finished or lingered for tunnelLinger. clientIn carries any bytes the
// client sent before the 200 was written.
func splice(client net.Conn, clientIn *bufio.Reader, upstream net.Conn) (up, down int64) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		up, _ = io.Copy(upstream, clientIn)
		closeWrite(upstream)
	}()
	down, _ = io.Copy(client, upstream)
	closeWrite(client)
	_ = client.SetReadDeadline(time.Now().Add(tunnelLinger))
	<-done
	return up, down
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
