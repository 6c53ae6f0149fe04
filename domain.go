package yblocker

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// RegistrableDomain returns the eTLD+1 of host, or host itself when it is
// an IP address or has no registrable part.
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// Hostname strips any port from a host or host:port string and lowercases it.
func Hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(strings.Trim(host, "[]")), ".")
}

// DescribeRequest builds the RequestDescriptor used for rule matching.
func DescribeRequest(rawURL string, header http.Header) RequestDescriptor {
	d := RequestDescriptor{URL: rawURL}

	if u, err := url.Parse(rawURL); err == nil {
		d.Hostname = Hostname(u.Host)
		d.Domain = RegistrableDomain(d.Hostname)
	}

	if header != nil {
		if ref, err := url.Parse(header.Get("Referer")); err == nil && ref.Host != "" {
			d.SourceHostname = Hostname(ref.Host)
			d.SourceDomain = RegistrableDomain(d.SourceHostname)
		}
		d.Type = header.Get("Sec-Fetch-Dest")
	}

	return d
}
