package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy configures the provided HTTP client to route through proxyURL.
// It supports SOCKS5, HTTP, and HTTPS proxies. An empty or unparsable URL leaves the client untouched.
func SetProxy(proxyURL string, httpClient *http.Client) *http.Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	raw := strings.TrimSpace(proxyURL)
	if raw == "" {
		return httpClient
	}
	var transport *http.Transport
	parsed, errParse := url.Parse(raw)
	if errParse == nil {
		switch parsed.Scheme {
		case "socks5":
			var proxyAuth *proxy.Auth
			if parsed.User != nil {
				username := parsed.User.Username()
				password, _ := parsed.User.Password()
				proxyAuth = &proxy.Auth{User: username, Password: password}
			}
			dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, proxyAuth, proxy.Direct)
			if errSOCKS5 != nil {
				log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
				return httpClient
			}
			transport = &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					if cd, ok := dialer.(proxy.ContextDialer); ok {
						return cd.DialContext(ctx, network, addr)
					}
					return dialer.Dial(network, addr)
				},
			}
		case "http", "https":
			transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
		default:
			log.Warnf("unsupported proxy scheme %q, using direct connection", parsed.Scheme)
		}
	} else {
		log.Warnf("invalid proxy url: %v", errParse)
	}
	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}
