package transfer

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// NewClient builds the HTTP client shared by all handles.
// The client has no overall timeout: a transfer may legitimately run for hours,
// stalls are handled by the handle's own watchdog when enabled.
func NewClient(runtime *types.RuntimeConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   types.DialTimeout,
		KeepAlive: types.KeepAliveDuration,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          types.DefaultMaxIdleConns,
		IdleConnTimeout:       types.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   types.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: types.DefaultResponseHeaderTimeout,
		Proxy:                 http.ProxyFromEnvironment,
	}

	if runtime != nil && runtime.ProxyURL != "" {
		configureProxy(transport, runtime.ProxyURL)
	}

	if runtime != nil && runtime.SkipTLSVerification {
		utils.Debug("Transfer client: TLS verification disabled")
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	return &http.Client{
		Timeout:   0,
		Transport: transport,
	}
}

func configureProxy(transport *http.Transport, rawProxy string) {
	parsedURL, err := url.Parse(rawProxy)
	if err != nil {
		utils.Debug("Transfer client: invalid proxy URL %s: %v", rawProxy, err)
		return
	}

	if !strings.HasPrefix(parsedURL.Scheme, "socks5") {
		transport.Proxy = http.ProxyURL(parsedURL)
		return
	}

	var auth *proxy.Auth
	if parsedURL.User != nil {
		password, _ := parsedURL.User.Password()
		auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
	}
	socks, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
	if err != nil {
		utils.Debug("Transfer client: failed to create SOCKS5 dialer: %v", err)
		return
	}

	utils.Debug("Transfer client: using SOCKS5 proxy %s", parsedURL.Host)
	transport.Proxy = nil
	if cd, ok := socks.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
		return
	}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return socks.Dial(network, addr)
	}
}
