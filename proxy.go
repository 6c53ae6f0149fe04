package yblocker

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultIdleTimeout bounds how long an intercepted connection may sit
// idle between requests.
const DefaultIdleTimeout = 30 * time.Second

// Interceptor is a TLS-terminating forward proxy. It decrypts CONNECT
// tunnels with per-host certificates signed by the local CA and runs
// every exchange through its ExchangeHooks.
type Interceptor struct {
	// Addr is the address to listen on (e.g., ":8080")
	Addr string

	// CertManager signs per-host certificates
	CertManager *CertManager

	// Hooks classify requests and rewrite responses (optional)
	Hooks ExchangeHooks

	// Logger for proxy events
	Logger *slog.Logger

	// Transport for outbound requests (uses http.DefaultTransport if nil)
	Transport http.RoundTripper

	// IdleTimeout between requests on an intercepted connection
	IdleTimeout time.Duration

	// Metrics collects Prometheus metrics and serves /metrics (optional)
	Metrics *Metrics

	// HealthChecker serves /healthz and /readyz (optional)
	HealthChecker *HealthChecker

	// AccessLog writes one entry per exchange (optional)
	AccessLog *AccessLogger

	// Admin serves requests under /api/ addressed to the proxy itself (optional)
	Admin http.Handler

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	conns    map[net.Conn]struct{}
	ready    chan struct{}
	closed   bool
}

// NewInterceptor creates a new intercepting proxy.
func NewInterceptor(addr string, cm *CertManager, hooks ExchangeHooks) *Interceptor {
	return &Interceptor{
		Addr:        addr,
		CertManager: cm,
		Hooks:       hooks,
		Logger:      slog.Default(),
		Transport:   http.DefaultTransport,
		IdleTimeout: DefaultIdleTimeout,
	}
}

// ListenAndServe listens on Addr and serves until Shutdown.
func (p *Interceptor) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.Serve(listener)
}

// Serve accepts proxy connections on l until Shutdown.
func (p *Interceptor) Serve(l net.Listener) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = l.Close()
		return nil
	}
	p.listener = l
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
	}
	srv := p.srv
	p.readyLocked()
	close(p.ready)
	p.mu.Unlock()

	p.Logger.Info("proxy listening", "addr", l.Addr().String())
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (p *Interceptor) readyLocked() {
	if p.ready == nil {
		p.ready = make(chan struct{})
	}
}

// ListenAddr returns the bound listener address once serving has started.
// It blocks until then or until ctx is done.
func (p *Interceptor) ListenAddr(ctx context.Context) (net.Addr, error) {
	p.mu.Lock()
	p.readyLocked()
	ready := p.ready
	p.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener.Addr(), nil
}

// Shutdown stops accepting connections and closes intercepted tunnels.
// A later Serve call returns immediately.
func (p *Interceptor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	srv := p.srv
	for c := range p.conns {
		_ = c.Close()
	}
	p.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (p *Interceptor) track(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		p.conns = make(map[net.Conn]struct{})
	}
	p.conns[c] = struct{}{}
}

func (p *Interceptor) untrack(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, c)
}

// ServeHTTP handles incoming proxy requests. Origin-form requests are
// addressed to the proxy itself and served locally.
func (p *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}

	if r.URL.Host == "" {
		p.serveLocal(w, r)
		return
	}

	p.handleHTTP(w, r)
}

func (p *Interceptor) serveLocal(w http.ResponseWriter, r *http.Request) {
	switch {
	case p.HealthChecker != nil && r.URL.Path == "/healthz":
		p.HealthChecker.HandleHealthz(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/readyz":
		p.HealthChecker.HandleReadyz(w, r)
	case p.Metrics != nil && r.URL.Path == "/metrics":
		p.Metrics.Handler().ServeHTTP(w, r)
	case p.Admin != nil && strings.HasPrefix(r.URL.Path, "/api/"):
		p.Admin.ServeHTTP(w, r)
	default:
		http.Error(w, "this is a proxy server", http.StatusBadRequest)
	}
}

// handleConnect terminates TLS for a CONNECT tunnel.
func (p *Interceptor) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}
	p.Logger.Debug("CONNECT", "host", r.Host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	p.track(clientConn)
	defer p.untrack(clientConn)

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.Logger.Debug("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	host := Hostname(r.Host)

	tlsConn := tls.Server(clientConn, &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			h := hello.ServerName
			if h == "" {
				h = host
			}
			return p.CertManager.GetCertificateForHost(h)
		},
	})
	if err := tlsConn.HandshakeContext(r.Context()); err != nil {
		p.Logger.Debug("TLS handshake with client", "error", err, "host", host)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		_ = clientConn.Close()
		return
	}

	p.serveTunnel(tlsConn, r.Host, clientConn.RemoteAddr().String())
}

// serveTunnel reads requests from a decrypted tunnel until the client
// closes it, a request is blocked, or a response cannot be written.
func (p *Interceptor) serveTunnel(conn *tls.Conn, defaultHost, clientAddr string) {
	defer func() { _ = conn.Close() }()

	idle := p.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	reader := bufio.NewReader(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				p.Logger.Debug("read request", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if req.URL.Host == "" {
			req.URL.Host = req.Host
			if req.URL.Host == "" {
				req.URL.Host = defaultHost
			}
		}
		req.URL.Scheme = "https"
		if req.Host == "" {
			req.Host = defaultHost
		}
		req.RemoteAddr = clientAddr

		keepOpen := p.exchange(conn, req, clientAddr)
		if !keepOpen {
			return
		}
	}
}

// exchange runs one request through the hooks and writes the response to
// w. It reports whether the connection may carry another request.
func (p *Interceptor) exchange(w io.Writer, req *http.Request, clientAddr string) bool {
	start := time.Now()
	id := NewExchangeID()
	entry := AccessLogEntry{
		Timestamp:  start,
		ExchangeID: id,
		Method:     req.Method,
		Host:       req.Host,
		URL:        req.URL.String(),
		ClientAddr: clientAddr,
	}
	defer func() {
		if p.AccessLog != nil {
			entry.Duration = time.Since(start)
			p.AccessLog.Log(entry)
		}
	}()

	if p.Hooks != nil && p.Hooks.BeforeRequest(req.Context(), id, req).Close {
		entry.Blocked = true
		return false
	}

	resp, err := p.forward(req)
	if err != nil {
		p.Logger.Debug("forward request", "error", err, "url", req.URL)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError()
		}
		if p.Hooks != nil {
			// Release the correlation entry.
			p.Hooks.BeforeResponse(req.Context(), id, errorResponse(req, err))
		}
		entry.StatusCode = http.StatusBadGateway
		entry.Error = err.Error()
		_ = errorResponse(req, err).Write(w)
		return !req.Close
	}
	defer func() { _ = resp.Body.Close() }()

	if p.Hooks != nil {
		if act := p.Hooks.BeforeResponse(req.Context(), id, resp); act != nil {
			setResponseBody(resp, act.Body)
			entry.Annotated = true
		}
	}
	prepareForClient(resp, req)

	entry.StatusCode = resp.StatusCode
	entry.BytesWritten = resp.ContentLength
	if p.Metrics != nil {
		p.Metrics.RecordExchangeDuration(resp.StatusCode, time.Since(start))
	}

	if err := resp.Write(w); err != nil {
		entry.Error = err.Error()
		p.Logger.Debug("write response", "error", err)
		return false
	}
	return !req.Close && !resp.Close
}

// forward sends the request upstream.
func (p *Interceptor) forward(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	removeHopByHopHeaders(out.Header)

	transport := p.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return transport.RoundTrip(out)
}

// handleHTTP handles plain HTTP proxy requests.
func (p *Interceptor) handleHTTP(w http.ResponseWriter, r *http.Request) {
	p.Logger.Debug("HTTP", "method", r.Method, "url", r.URL)

	id := NewExchangeID()
	if p.Hooks != nil && p.Hooks.BeforeRequest(r.Context(), id, r).Close {
		if p.AccessLog != nil {
			p.AccessLog.Log(AccessLogEntry{
				Timestamp:  time.Now(),
				ExchangeID: id,
				Method:     r.Method,
				Host:       r.Host,
				URL:        r.URL.String(),
				ClientAddr: r.RemoteAddr,
				Blocked:    true,
			})
		}
		closeConnection(w)
		return
	}

	start := time.Now()
	resp, err := p.forward(r)
	if err != nil {
		p.Logger.Debug("forward request", "error", err, "url", r.URL)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError()
		}
		if p.Hooks != nil {
			p.Hooks.BeforeResponse(r.Context(), id, errorResponse(r, err))
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		if p.AccessLog != nil {
			p.AccessLog.Log(AccessLogEntry{
				Timestamp:  start,
				ExchangeID: id,
				Method:     r.Method,
				Host:       r.Host,
				URL:        r.URL.String(),
				StatusCode: http.StatusBadGateway,
				Duration:   time.Since(start),
				ClientAddr: r.RemoteAddr,
				Error:      err.Error(),
			})
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	annotated := false
	if p.Hooks != nil {
		if act := p.Hooks.BeforeResponse(r.Context(), id, resp); act != nil {
			setResponseBody(resp, act.Body)
			annotated = true
		}
	}
	if p.Metrics != nil {
		p.Metrics.RecordExchangeDuration(resp.StatusCode, time.Since(start))
	}

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)

	if p.AccessLog != nil {
		p.AccessLog.Log(AccessLogEntry{
			Timestamp:    start,
			ExchangeID:   id,
			Method:       r.Method,
			Host:         r.Host,
			URL:          r.URL.String(),
			StatusCode:   resp.StatusCode,
			Duration:     time.Since(start),
			BytesWritten: written,
			ClientAddr:   r.RemoteAddr,
			Annotated:    annotated,
		})
	}
}

// closeConnection drops the client connection without a response.
func closeConnection(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

// setResponseBody replaces the body of resp and fixes its framing.
func setResponseBody(resp *http.Response, body []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Header.Del("Transfer-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// prepareForClient rewrites an upstream response for an HTTP/1.1 client.
// Bodies of unknown length are chunked so the tunnel can stay open.
func prepareForClient(resp *http.Response, req *http.Request) {
	resp.ProtoMajor, resp.ProtoMinor, resp.Proto = 1, 1, "HTTP/1.1"
	removeHopByHopHeaders(resp.Header)

	noBody := req.Method == http.MethodHead ||
		resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotModified ||
		(resp.StatusCode >= 100 && resp.StatusCode < 200)
	if resp.ContentLength < 0 && !noBody && len(resp.TransferEncoding) == 0 {
		resp.TransferEncoding = []string{"chunked"}
	}
}

func errorResponse(req *http.Request, err error) *http.Response {
	body := fmt.Sprintf("Proxy Error: %v", err)
	return &http.Response{
		StatusCode:    http.StatusBadGateway,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for name := range strings.SplitSeq(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
