package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// listen4 binds to IPv4 loopback; some sandboxes have no IPv6 listener.
func listen4() (net.Listener, error) {
	return net.Listen("tcp4", "127.0.0.1:0")
}

func startServer(ln net.Listener, handler http.Handler) *httptest.Server {
	srv := &httptest.Server{
		Listener: ln,
		Config:   &http.Server{Handler: handler},
	}
	srv.Start()
	return srv
}

// NewHTTPServer starts an httptest server on IPv4, falling back to the default listener.
func NewHTTPServer(handler http.Handler) *httptest.Server {
	ln, err := listen4()
	if err != nil {
		return httptest.NewServer(handler)
	}
	return startServer(ln, handler)
}

// NewHTTPServerT starts an httptest server on IPv4 and skips the test if binding fails.
func NewHTTPServerT(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := listen4()
	if err != nil {
		t.Skipf("tcp4 listener unavailable: %v", err)
		return nil
	}
	srv := startServer(ln, handler)
	t.Cleanup(srv.Close)
	return srv
}
