// Package util holds small helpers shared by the outbound HTTP clients.
package util

import (
	"net/http"
	"net/url"
	"strings"
)

// NewProxyFunc creates a proxy function for outbound requests. Hospital
// and research networks commonly force traffic through an egress proxy.
// With no explicit proxy URLs the standard environment variables apply.
// noProxy is a comma-separated list of hosts or domain suffixes that
// bypass the proxy.
func NewProxyFunc(httpProxy, httpsProxy, noProxy string) func(*http.Request) (*url.URL, error) {
	if httpProxy == "" && httpsProxy == "" {
		return http.ProxyFromEnvironment
	}

	bypass := parseNoProxy(noProxy)

	return func(req *http.Request) (*url.URL, error) {
		if hostBypassed(req.URL.Hostname(), bypass) {
			return nil, nil
		}
		if req.URL.Scheme == "https" && httpsProxy != "" {
			return url.Parse(httpsProxy)
		}
		if httpProxy != "" {
			return url.Parse(httpProxy)
		}
		return http.ProxyFromEnvironment(req)
	}
}

func parseNoProxy(noProxy string) []string {
	if noProxy == "" {
		return nil
	}
	var entries []string
	for _, entry := range strings.Split(noProxy, ",") {
		entry = strings.TrimSpace(strings.ToLower(entry))
		if entry != "" {
			entries = append(entries, strings.TrimPrefix(entry, "."))
		}
	}
	return entries
}

func hostBypassed(host string, bypass []string) bool {
	host = strings.ToLower(host)
	for _, entry := range bypass {
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
