package yblocker

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// UpstreamConfig tunes the connections the proxy makes to origin servers.
type UpstreamConfig struct {
	// Proxy is an optional parent proxy URL (http, https or socks5).
	Proxy string `mapstructure:"proxy"`

	// DialTimeout is the maximum time to wait for a TCP dial.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// TLSHandshakeTimeout is the maximum time to wait for a TLS handshake.
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`

	// ResponseHeaderTimeout is the maximum time to wait for response
	// headers once the request is written. Zero means no timeout.
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`

	// MaxIdleConnsPerHost is the number of idle connections kept per origin.
	MaxIdleConnsPerHost int `mapstructure:"max_idle_conns_per_host"`

	// HTTP2 enables h2 negotiation with origins.
	HTTP2 bool `mapstructure:"http2"`
}

// DefaultUpstreamConfig returns the upstream settings used when none are
// configured.
func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		MaxIdleConnsPerHost:   10,
		HTTP2:                 true,
	}
}

func (c UpstreamConfig) proxyURL() (*url.URL, error) {
	if c.Proxy == "" {
		return nil, nil
	}
	u, err := url.Parse(c.Proxy)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream proxy URL %q has no host", c.Proxy)
	}
	return u, nil
}

// UpstreamTransport is the RoundTripper the Interceptor forwards with. It
// wraps a pooled http.Transport and counts requests.
type UpstreamTransport struct {
	base *http.Transport

	total  atomic.Int64
	active atomic.Int64
}

// UpstreamStats is a snapshot of UpstreamTransport counters.
type UpstreamStats struct {
	TotalRequests  int64
	ActiveRequests int64
}

// NewUpstreamTransport builds a transport from cfg. The environment's
// proxy variables are ignored since they usually point at this proxy.
func NewUpstreamTransport(cfg UpstreamConfig) (*UpstreamTransport, error) {
	proxy, err := cfg.proxyURL()
	if err != nil {
		return nil, err
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.HTTP2 {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     cfg.HTTP2,
	}
	if proxy != nil {
		base.Proxy = http.ProxyURL(proxy)
	}

	return &UpstreamTransport{base: base}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *UpstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.total.Add(1)
	t.active.Add(1)
	defer t.active.Add(-1)
	return t.base.RoundTrip(req)
}

// Stats returns a snapshot of the request counters.
func (t *UpstreamTransport) Stats() UpstreamStats {
	return UpstreamStats{
		TotalRequests:  t.total.Load(),
		ActiveRequests: t.active.Load(),
	}
}

// CloseIdleConnections closes pooled connections that are not in use.
func (t *UpstreamTransport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}
