package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"wiremock-proxy/internal/config"
	"wiremock-proxy/internal/keymanager"
	"wiremock-proxy/internal/metrics"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Listen = "127.0.0.1:0"
	cfg.CA.Keystore.Storage = config.StorageMemory
	cfg.CA.KeyType = "ecdsa"
	cfg.Limits.DialTimeout = 2 * time.Second
	return cfg
}

// startServer applies each setup before serving.
func startServer(t *testing.T, cfg *config.Config, setup ...func(*Server)) *Server {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	s, err := NewServer(cfg, logger)
	require.NoError(t, err)
	for _, f := range setup {
		f(s)
	}
	require.NoError(t, s.Listen())
	go func() { _ = s.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

// toOrigin sends every upstream request to origin, whatever the host.
func toOrigin(origin *httptest.Server) func(*Server) {
	roots := x509.NewCertPool()
	roots.AddCert(origin.Certificate())
	return func(s *Server) {
		s.rp.Transport = &metrics.Transport{Agg: s.stats, Base: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, origin.Listener.Addr().String())
			},
			TLSClientConfig: &tls.Config{RootCAs: roots, ServerName: "example.com"},
		}}
	}
}

func failRouting(s *Server) { s.connector = failingConnector{} }

func caPool(s *Server) *x509.CertPool {
	roots := x509.NewCertPool()
	roots.AddCert(s.Proxying().Authority.Certificate())
	return roots
}

func proxiedClient(s *Server, roots *x509.CertPool) *http.Client {
	proxyURL := &url.URL{Scheme: "http", Host: s.Addr().String()}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{RootCAs: roots},
		},
	}
}

// connect sends a raw CONNECT and returns the response and the connection.
func connect(t *testing.T, s *Server, target string, header string) (*http.Response, net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n"+header+"\r\n")
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	return resp, conn, br
}

func TestConnectInterceptedEndToEnd(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "origin saw "+r.Host+r.URL.Path)
	}))
	defer origin.Close()

	s := startServer(t, testConfig(t), toOrigin(origin))

	client := proxiedClient(s, caPool(s))
	client.Transport.(*http.Transport).TLSClientConfig.NextProtos = []string{"h2", "http/1.1"}
	resp, err := client.Get("https://intercepted.test/hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "origin saw intercepted.test/hello", string(body))

	require.NotNil(t, resp.TLS)
	require.Equal(t, "http/1.1", resp.TLS.NegotiatedProtocol)
	require.Contains(t, resp.TLS.PeerCertificates[0].DNSNames, "intercepted.test")

	certs := s.Certificates()
	require.Len(t, certs, 1)
	require.Equal(t, "intercepted.test", certs[0].Alias)
	require.Equal(t, uint64(1), s.Stats().Snapshot().Certificates[keymanager.OutcomeDynamic])
}

type failingConnector struct{}

func (failingConnector) Connect(context.Context, string) (net.Conn, error) {
	return nil, errors.New("internal listener gone")
}

func TestConnectRouterFailure(t *testing.T) {
	s := startServer(t, testConfig(t), failRouting)

	resp, conn, br := connect(t, s, "intercepted.test:443", "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := br.ReadByte()
	require.ErrorIs(t, err, io.EOF, "client connection is closed")
	require.Eventually(t, func() bool {
		return s.Stats().Snapshot().Codes[http.StatusBadGateway] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestConnectRawTunnel(t *testing.T) {
	tests := map[string]func(*config.Config){
		"NotListed": func(c *config.Config) {
			c.Mode = "list"
			c.InterceptList = []string{"other.test"}
		},
		"BrowserProxyingOff": func(c *config.Config) { c.BrowserProxying = false },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(cfg)
			s := startServer(t, cfg, failRouting)

			resp, conn, br := connect(t, s, echoServer(t), "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			_, err := io.WriteString(conn, "ping")
			require.NoError(t, err)
			buf := make([]byte, 4)
			_, err = io.ReadFull(br, buf)
			require.NoError(t, err)
			require.Equal(t, "ping", string(buf))
		})
	}
}

func TestConnectUnreachableTarget(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrowserProxying = false
	s := startServer(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	resp, _, _ := connect(t, s, addr, "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestProxyAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.BasicAuth = config.BasicAuth{Enabled: true, Username: "user", Password: "secret"}
	s := startServer(t, cfg, failRouting)

	resp, _, _ := connect(t, s, "intercepted.test:443", "")
	require.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Proxy-Authenticate"), "Basic")

	creds := base64.StdEncoding.EncodeToString([]byte("user:secret"))
	resp, _, _ = connect(t, s, "intercepted.test:443", "Proxy-Authorization: Basic "+creds+"\r\n")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode, "authorized, then the router fails")
}

func TestPlainForwarding(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "plain "+r.URL.Path)
	}))
	defer origin.Close()

	s := startServer(t, testConfig(t), func(s *Server) {
		s.rp.Transport = &metrics.Transport{Agg: s.stats, Base: &http.Transport{}}
	})

	resp, err := proxiedClient(s, nil).Get(origin.URL + "/path")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "plain /path", string(body))
}

func TestCACertificateEndpoint(t *testing.T) {
	s := startServer(t, testConfig(t))

	resp, err := http.Get("http://" + s.Addr().String() + CACertificatePath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	require.Equal(t, s.Proxying().Authority.Certificate().Raw, block.Bytes)
}

func TestHTTPSListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPS.Listen = "127.0.0.1:0"
	s := startServer(t, cfg)
	require.NotNil(t, s.HTTPSAddr())

	client := &http.Client{Timeout: 10 * time.Second, Transport: &http.Transport{
		TLSClientConfig:   &tls.Config{RootCAs: caPool(s), ServerName: "localhost"},
		ForceAttemptHTTP2: true,
	}}
	resp, err := client.Get("https://" + s.HTTPSAddr().String() + CACertificatePath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, resp.ProtoMajor)
	require.Equal(t, "localhost", resp.TLS.PeerCertificates[0].Subject.CommonName)
}

func TestRouterConnect(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	r := NewRouter(http.NotFoundHandler(), &tls.Config{}, time.Second, logger)
	_, err := r.Connect(context.Background(), "a.test:443")
	require.ErrorIs(t, err, errRouterClosed)

	require.NoError(t, r.Listen("127.0.0.1:0", 1))
	conn, err := r.Connect(context.Background(), "a.test:443")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.Equal(t, []string{"http/1.1"}, r.srv.TLSConfig.NextProtos)

	require.NoError(t, r.Shutdown(context.Background()))
	require.Empty(t, r.Addr())
}
