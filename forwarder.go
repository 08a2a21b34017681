package flarebypass

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderHost sets the listen host.
func WithForwarderHost(host string) ForwarderOption {
	return func(f *Forwarder) {
		f.host = host
	}
}

// WithForwarderPort sets the listen port. Zero picks a free port.
func WithForwarderPort(port int) ForwarderOption {
	return func(f *Forwarder) {
		f.port = port
	}
}

// WithForwarderUpstream sets the upstream proxy. Supported schemes are
// http, https, socks5 and socks5h; credentials go into the URL user info.
func WithForwarderUpstream(upstream string) ForwarderOption {
	return func(f *Forwarder) {
		f.upstream = upstream
	}
}

// WithForwarderDialTimeout sets the timeout for outgoing connections.
func WithForwarderDialTimeout(timeout time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.dialTimeout = timeout
	}
}

// WithForwarderLogger sets the logger.
func WithForwarderLogger(logger zerolog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// Forwarder is a local HTTP proxy without authentication that sends all
// traffic through an upstream proxy which may require credentials. Browsers
// cannot take proxy credentials on the command line; they are pointed at a
// Forwarder instead.
type Forwarder struct {
	host        string
	port        int
	upstream    string
	dialTimeout time.Duration
	logger      zerolog.Logger

	upstreamURL *url.URL
	transport   *http.Transport

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewForwarder creates a forwarder. It fails on an unsupported upstream.
func NewForwarder(opts ...ForwarderOption) (*Forwarder, error) {
	f := &Forwarder{
		host:        "127.0.0.1",
		dialTimeout: 30 * time.Second,
		logger:      zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(f)
	}

	f.transport = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	upstream := normalizeProxyString(f.upstream)
	if upstream == "" {
		return f, nil
	}

	u, err := url.Parse(upstream)
	if err != nil {
		return nil, NewProxyError("invalid upstream proxy", err)
	}
	switch u.Scheme {
	case "http", "https":
		f.transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		f.transport.DialContext = f.dial
	default:
		return nil, NewProxyError(fmt.Sprintf("unsupported upstream proxy scheme %q", u.Scheme), nil)
	}
	f.upstreamURL = u

	return f, nil
}

// Listen binds the listen address and returns the bound port.
func (f *Forwarder) Listen() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, err := net.Listen("tcp", net.JoinHostPort(f.host, strconv.Itoa(f.port)))
	if err != nil {
		return 0, err
	}
	f.listener = l
	f.server = &http.Server{Handler: f}
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Serve accepts connections on the bound listener until Shutdown or Close.
func (f *Forwarder) Serve() error {
	f.mu.Lock()
	server, l := f.server, f.listener
	f.mu.Unlock()

	if server == nil {
		return fmt.Errorf("forwarder is not listening")
	}

	f.logger.Info().Str("addr", l.Addr().String()).Str("upstream", RedactProxy(f.upstream)).Msg("Forwarder listening")
	err := server.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe binds and serves.
func (f *Forwarder) ListenAndServe() error {
	if _, err := f.Listen(); err != nil {
		return err
	}
	return f.Serve()
}

// Shutdown gracefully shuts down the forwarder.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	server := f.server
	f.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Close immediately closes the forwarder.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	server := f.server
	f.mu.Unlock()

	if server != nil {
		return server.Close()
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		f.handleConnect(w, req)
	} else {
		f.handleHTTP(w, req)
	}
}

// handleHTTP forwards a plain HTTP request.
func (f *Forwarder) handleHTTP(w http.ResponseWriter, req *http.Request) {
	targetURL := req.URL.String()
	if !strings.HasPrefix(targetURL, "http") {
		targetURL = fmt.Sprintf("http://%s%s", req.Host, req.URL.RequestURI())
	}

	outReq, err := http.NewRequestWithContext(req.Context(), req.Method, targetURL, req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	copyHeaders(outReq.Header, req.Header)

	// Remove hop-by-hop headers
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Proxy-Authorization")

	resp, err := f.transport.RoundTrip(outReq)
	if err != nil {
		f.logger.Debug().Err(err).Str("url", targetURL).Msg("Upstream request failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleConnect handles HTTPS CONNECT requests.
func (f *Forwarder) handleConnect(w http.ResponseWriter, req *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer clientConn.Close()

	targetConn, err := f.dial(req.Context(), "tcp", req.Host)
	if err != nil {
		f.logger.Debug().Err(err).Str("target", req.Host).Msg("Tunnel dial failed")
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer targetConn.Close()

	clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(targetConn, clientConn)
		closeWrite(targetConn)
	}()

	go func() {
		defer wg.Done()
		io.Copy(clientConn, targetConn)
		closeWrite(clientConn)
	}()

	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// dial opens a connection to addr through the upstream, if any.
func (f *Forwarder) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	direct := &net.Dialer{Timeout: f.dialTimeout}
	u := f.upstreamURL
	if u == nil {
		return direct.DialContext(ctx, network, addr)
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, direct)
		if err != nil {
			return nil, err
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	default:
		return f.connectViaProxy(ctx, addr)
	}
}

// connectViaProxy connects to target via an HTTP upstream proxy.
func (f *Forwarder) connectViaProxy(ctx context.Context, target string) (net.Conn, error) {
	u := f.upstreamURL
	proxyHost := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			proxyHost += ":443"
		} else {
			proxyHost += ":80"
		}
	}

	dialer := &net.Dialer{Timeout: f.dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if u.Scheme == "https" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: u.Hostname()}}).DialContext(ctx, "tcp", proxyHost)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", proxyHost)
	}
	if err != nil {
		return nil, err
	}

	// Send CONNECT request
	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)

	// Add proxy authentication if present
	if u.User != nil {
		username := u.User.Username()
		password, _ := u.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		connectReq += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", auth)
	}

	connectReq += "\r\n"
	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, err
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode != 200 {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}

	if reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: reader}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes the CONNECT response reader read ahead.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func normalizeProxyString(proxy string) string {
	proxy = strings.TrimSpace(proxy)
	proxy = strings.ReplaceAll(proxy, "：", ":")
	return proxy
}

// RedactProxy hides the password of a proxy address so it can be logged or
// stored.
func RedactProxy(proxy string) string {
	if proxy == "" {
		return ""
	}
	raw := proxy
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return proxy
	}
	if _, ok := u.User.Password(); !ok {
		return proxy
	}
	redacted := u.Redacted()
	if raw != proxy {
		redacted = strings.TrimPrefix(redacted, "http://")
	}
	return redacted
}
