// Package testutil provides HTTP servers and file helpers for download tests.
package testutil

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockServer is a configurable HTTP test server for download testing.
type MockServer struct {
	Server *httptest.Server

	// Configuration
	FileSize       int64         // Size of the served file
	SupportsRanges bool          // Whether to honor HTTP Range requests
	ContentType    string        // Content-Type header value
	Filename       string        // Filename in Content-Disposition header, empty to omit
	ETag           string        // ETag header value, empty to omit
	RandomData     bool          // If true, serve random data; otherwise a repeating pattern
	HideLength     bool          // Omit Content-Length on full responses
	Latency        time.Duration // Artificial latency per request
	ByteLatency    time.Duration // Latency per 32KB chunk
	FailAfterBytes int64         // Drop the connection after this many bytes (0 = never)
	HoldAfterBytes int64         // Stop writing after this many bytes until Release (0 = never)
	StatusCode     int           // Force this status for every GET (0 = normal)

	// Tracking
	RequestCount   atomic.Int64
	BytesServed    atomic.Int64
	RangeRequests  atomic.Int64
	FullRequests   atomic.Int64
	FailedRequests atomic.Int64

	mu         sync.Mutex
	lastHeader http.Header
	held       chan struct{} // Closed once a response reaches HoldAfterBytes
	release    chan struct{}
	releaseMu  sync.Once
	heldOnce   sync.Once

	data          []byte
	CustomHandler http.HandlerFunc
}

// MockServerOption is a function that configures a MockServer.
type MockServerOption func(*MockServer)

// WithHandler replaces the default handler.
func WithHandler(h http.HandlerFunc) MockServerOption {
	return func(m *MockServer) { m.CustomHandler = h }
}

// WithFileSize sets the file size to serve.
func WithFileSize(size int64) MockServerOption {
	return func(m *MockServer) { m.FileSize = size }
}

// WithRangeSupport enables or disables Range request support.
func WithRangeSupport(enabled bool) MockServerOption {
	return func(m *MockServer) { m.SupportsRanges = enabled }
}

// WithContentType sets the Content-Type header.
func WithContentType(ct string) MockServerOption {
	return func(m *MockServer) { m.ContentType = ct }
}

// WithFilename sets the filename in the Content-Disposition header.
func WithFilename(name string) MockServerOption {
	return func(m *MockServer) { m.Filename = name }
}

// WithETag sets the ETag header.
func WithETag(tag string) MockServerOption {
	return func(m *MockServer) { m.ETag = tag }
}

// WithRandomData enables serving random bytes.
func WithRandomData(random bool) MockServerOption {
	return func(m *MockServer) { m.RandomData = random }
}

// WithHiddenLength omits Content-Length so the total is unknown to the client.
func WithHiddenLength() MockServerOption {
	return func(m *MockServer) { m.HideLength = true }
}

// WithLatency adds artificial latency per request.
func WithLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) { m.Latency = d }
}

// WithByteLatency adds artificial latency per chunk served.
func WithByteLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) { m.ByteLatency = d }
}

// WithFailAfterBytes drops the connection after serving N bytes of a response.
func WithFailAfterBytes(n int64) MockServerOption {
	return func(m *MockServer) { m.FailAfterBytes = n }
}

// WithHoldAfterBytes pauses every response after N bytes until Release is called.
func WithHoldAfterBytes(n int64) MockServerOption {
	return func(m *MockServer) { m.HoldAfterBytes = n }
}

// WithStatus forces every GET to answer with code.
func WithStatus(code int) MockServerOption {
	return func(m *MockServer) { m.StatusCode = code }
}

func newMockServer(opts []MockServerOption) *MockServer {
	m := &MockServer{
		FileSize:       1024 * 1024,
		SupportsRanges: true,
		ContentType:    "application/octet-stream",
		Filename:       "testfile.bin",
		held:           make(chan struct{}),
		release:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.data = make([]byte, m.FileSize)
	if m.RandomData {
		_, _ = rand.Read(m.data)
	} else {
		for i := range m.data {
			m.data[i] = byte(i % 251)
		}
	}
	return m
}

// NewMockServer creates a new mock HTTP server with the given options.
func NewMockServer(opts ...MockServerOption) *MockServer {
	m := newMockServer(opts)
	m.Server = NewHTTPServer(http.HandlerFunc(m.handleRequest))
	return m
}

// NewMockServerT creates a mock server that is closed with the test.
// The test is skipped if no listener can be bound.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	m := newMockServer(opts)
	m.Server = NewHTTPServerT(t, http.HandlerFunc(m.handleRequest))
	t.Cleanup(m.Close)
	return m
}

// URL returns the server's URL.
func (m *MockServer) URL() string {
	return m.Server.URL
}

// Data returns the bytes the server serves.
func (m *MockServer) Data() []byte {
	return m.data
}

// Held is closed once a response has stopped at HoldAfterBytes.
func (m *MockServer) Held() <-chan struct{} {
	return m.held
}

// Release lets held responses continue. It is safe to call more than once.
func (m *MockServer) Release() {
	m.releaseMu.Do(func() { close(m.release) })
}

// LastHeader returns the request headers of the most recent GET.
func (m *MockServer) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader.Clone()
}

// Close releases held responses and shuts the server down.
func (m *MockServer) Close() {
	m.Release()
	if m.Server != nil {
		m.Server.Close()
	}
}

// Stats returns a summary of server statistics.
func (m *MockServer) Stats() MockServerStats {
	return MockServerStats{
		TotalRequests:  m.RequestCount.Load(),
		BytesServed:    m.BytesServed.Load(),
		RangeRequests:  m.RangeRequests.Load(),
		FullRequests:   m.FullRequests.Load(),
		FailedRequests: m.FailedRequests.Load(),
	}
}

// MockServerStats contains server statistics.
type MockServerStats struct {
	TotalRequests  int64
	BytesServed    int64
	RangeRequests  int64
	FullRequests   int64
	FailedRequests int64
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	if m.CustomHandler != nil {
		m.CustomHandler(w, r)
		return
	}

	m.RequestCount.Add(1)
	m.mu.Lock()
	m.lastHeader = r.Header.Clone()
	m.mu.Unlock()

	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	if m.StatusCode != 0 {
		m.FailedRequests.Add(1)
		http.Error(w, http.StatusText(m.StatusCode), m.StatusCode)
		return
	}

	start, end := int64(0), m.FileSize-1
	rangeHeader := r.Header.Get("Range")
	ifRange := r.Header.Get("If-Range")
	useRange := rangeHeader != "" && m.SupportsRanges && (ifRange == "" || ifRange == m.ETag)

	if useRange {
		m.RangeRequests.Add(1)
		var err error
		start, end, err = parseRange(rangeHeader, m.FileSize)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", m.FileSize))
			http.Error(w, "Invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		m.setCommonHeaders(w, start, end, true)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		m.FullRequests.Add(1)
		m.setCommonHeaders(w, start, end, !m.HideLength)
		w.WriteHeader(http.StatusOK)
	}

	if r.Method == http.MethodHead {
		return
	}
	m.serve(w, r, start, end-start+1)
}

func (m *MockServer) serve(w http.ResponseWriter, r *http.Request, start, length int64) {
	flusher, _ := w.(http.Flusher)
	var written int64
	chunk := int64(32 * 1024)

	for written < length {
		if m.FailAfterBytes > 0 && written >= m.FailAfterBytes {
			m.FailedRequests.Add(1)
			panic(http.ErrAbortHandler)
		}
		if m.HoldAfterBytes > 0 && written >= m.HoldAfterBytes {
			if flusher != nil {
				flusher.Flush()
			}
			m.heldOnce.Do(func() { close(m.held) })
			select {
			case <-m.release:
			case <-r.Context().Done():
				return
			}
		}

		n := chunk
		if rem := length - written; rem < n {
			n = rem
		}
		if m.FailAfterBytes > 0 && written < m.FailAfterBytes && written+n > m.FailAfterBytes {
			n = m.FailAfterBytes - written
		}
		if m.HoldAfterBytes > 0 && written < m.HoldAfterBytes && written+n > m.HoldAfterBytes {
			n = m.HoldAfterBytes - written
		}

		nw, err := w.Write(m.data[start+written : start+written+n])
		if err != nil {
			return
		}
		written += int64(nw)
		m.BytesServed.Add(int64(nw))

		if m.ByteLatency > 0 {
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(m.ByteLatency)
		}
	}
}

func (m *MockServer) setCommonHeaders(w http.ResponseWriter, start, end int64, withLength bool) {
	w.Header().Set("Content-Type", m.ContentType)
	if withLength {
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	}
	if m.SupportsRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	if m.ETag != "" {
		w.Header().Set("ETag", m.ETag)
	}
	if m.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, m.Filename))
	}
}

// parseRange parses an HTTP Range header and returns start, end positions.
// Handles formats like "bytes=0-499", "bytes=500-" and "bytes=-500".
func parseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}

	parts := strings.Split(strings.TrimPrefix(rangeHeader, "bytes="), "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error

	if parts[0] == "" {
		end = fileSize - 1
		start, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start = fileSize - start
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		end = fileSize - 1
		if parts[1] != "" {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, err
			}
		}
	}

	if start < 0 || end >= fileSize || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}
	return start, end, nil
}
