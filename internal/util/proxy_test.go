package util

import (
	"net/http"
	"net/url"
	"testing"
)

func proxyFor(t *testing.T, fn func(*http.Request) (*url.URL, error), rawURL string) *url.URL {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %s: %v", rawURL, err)
	}
	proxy, err := fn(&http.Request{URL: u})
	if err != nil {
		t.Fatalf("proxy func failed: %v", err)
	}
	return proxy
}

func TestNewProxyFunc_SchemeSelection(t *testing.T) {
	fn := NewProxyFunc("http://proxy-http:3128", "http://proxy-https:3128", "")

	if got := proxyFor(t, fn, "https://api.example.org/v1"); got == nil || got.Host != "proxy-https:3128" {
		t.Errorf("https proxy = %v", got)
	}
	if got := proxyFor(t, fn, "http://api.example.org/v1"); got == nil || got.Host != "proxy-http:3128" {
		t.Errorf("http proxy = %v", got)
	}
}

func TestNewProxyFunc_NoProxyBypass(t *testing.T) {
	fn := NewProxyFunc("http://proxy:3128", "", "localhost, .internal.example.org")

	if got := proxyFor(t, fn, "http://localhost:8080/api"); got != nil {
		t.Errorf("localhost should bypass the proxy, got %v", got)
	}
	if got := proxyFor(t, fn, "http://db.internal.example.org/"); got != nil {
		t.Errorf("suffix match should bypass the proxy, got %v", got)
	}
	if got := proxyFor(t, fn, "http://api.example.org/"); got == nil {
		t.Error("non-bypassed host should use the proxy")
	}
}
