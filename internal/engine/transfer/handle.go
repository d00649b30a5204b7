package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// OutcomeKind classifies how Start ended
type OutcomeKind int

const (
	Succeeded OutcomeKind = iota
	Failed
	Paused
	Cancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Paused:
		return "paused"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is the terminal result of one Start call
type Outcome struct {
	Kind    OutcomeKind
	Path    string // File holding the bytes, empty if no target was resolved
	Written int64  // Bytes in the file when Start returned
	Total   int64
	Token   *types.ResumeToken // Set for Paused when the server supports ranges
	Err     error              // Set for Failed
}

// Handle is a single cancelable, pausable, progress-reporting transfer.
// A handle is single use: resuming means building a new handle from the token.
type Handle interface {
	// Start streams until completion, failure, pause or cancel. It blocks.
	Start(ctx context.Context) Outcome
	// Pause stops the stream and returns a token when resumption is possible,
	// otherwise ErrResumeUnsupported. It returns once no more bytes will be written.
	Pause() (*types.ResumeToken, error)
	// Cancel aborts the stream. After it returns no more progress callbacks fire.
	Cancel()
}

// Request describes the transfer a handle performs
type Request struct {
	ID    string
	URL   string
	Token *types.ResumeToken // Continue from Token.Offset when set

	// Resolve returns the path the bytes are written to. It is called once:
	// before the request when resuming from Token, otherwise after the response
	// headers arrive, with suggested set to the server's filename (may be empty).
	Resolve func(ctx context.Context, suggested string) (string, error)
	// Preflight is called when the remaining size is known, before the first write
	Preflight func(path string, remaining int64) error
	// OnStart reports stream metadata once the response headers arrive
	OnStart func(Meta)
	// OnProgress is throttled; the final count is always reported
	OnProgress func(written, total int64)
}

// Factory builds handles for the queue
type Factory func(req Request) Handle

// NewFactory returns a Factory producing HTTP handles sharing client
func NewFactory(client *http.Client, runtime *types.RuntimeConfig) Factory {
	if client == nil {
		client = NewClient(runtime)
	}
	return func(req Request) Handle {
		return NewHTTPHandle(client, runtime, req)
	}
}

var (
	errPaused    = errors.New("paused")
	errCancelled = errors.New("cancelled")
	errStalled   = errors.New("transfer stalled")
)

// HTTPHandle implements Handle over a single HTTP(S) GET
type HTTPHandle struct {
	client  *http.Client
	runtime *types.RuntimeConfig
	req     Request

	mu       sync.Mutex
	started  bool
	finished bool // Start returned Succeeded or Failed
	stop     error
	cancel   context.CancelCauseFunc
	done     chan struct{}
	outcome  Outcome
}

// NewHTTPHandle creates an idle handle
func NewHTTPHandle(client *http.Client, runtime *types.RuntimeConfig, req Request) *HTTPHandle {
	return &HTTPHandle{
		client:  client,
		runtime: runtime,
		req:     req,
		done:    make(chan struct{}),
	}
}

// Start implements Handle
func (h *HTTPHandle) Start(parent context.Context) Outcome {
	ctx, cancel := context.WithCancelCause(parent)

	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		cancel(nil)
		return Outcome{Kind: Failed, Err: fmt.Errorf("handle %s already started", h.req.ID)}
	}
	h.started = true
	h.cancel = cancel
	if h.stop != nil {
		// Paused or cancelled before the goroutine got here
		out := h.stoppedOutcome(h.stop, h.tokenPath(), h.tokenOffset(), h.tokenTotal(), h.req.Token != nil)
		h.outcome = out
		h.mu.Unlock()
		cancel(nil)
		close(h.done)
		return out
	}
	h.mu.Unlock()

	out := h.run(ctx)
	cancel(nil)

	h.mu.Lock()
	if out.Kind == Succeeded || out.Kind == Failed {
		h.finished = true
	}
	h.outcome = out
	h.mu.Unlock()
	close(h.done)

	utils.Debug("Transfer %s: %s (%d/%d bytes)", h.req.ID, out.Kind, out.Written, out.Total)
	return out
}

// Pause implements Handle
func (h *HTTPHandle) Pause() (*types.ResumeToken, error) {
	if !h.requestStop(errPaused) {
		return nil, types.ErrTransferFinished
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return nil, types.ErrTransferFinished
	}
	if h.outcome.Kind == Cancelled {
		return nil, fmt.Errorf("handle %s was cancelled", h.req.ID)
	}
	if h.outcome.Token == nil {
		if !h.started && h.req.Token != nil {
			tok := *h.req.Token
			return &tok, nil
		}
		return nil, types.ErrResumeUnsupported
	}
	tok := *h.outcome.Token
	return &tok, nil
}

// Cancel implements Handle
func (h *HTTPHandle) Cancel() {
	h.requestStop(errCancelled)
}

// requestStop records reason, interrupts the stream and waits for Start to return.
// It reports false if the handle had already finished on its own.
func (h *HTTPHandle) requestStop(reason error) bool {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return false
	}
	if h.stop == nil {
		h.stop = reason
	}
	started := h.started
	if h.cancel != nil {
		h.cancel(h.stop)
	}
	h.mu.Unlock()

	if started {
		<-h.done
	}
	return true
}

func (h *HTTPHandle) tokenPath() string {
	if h.req.Token == nil {
		return ""
	}
	return h.req.Token.Path
}

func (h *HTTPHandle) tokenOffset() int64 {
	if h.req.Token == nil {
		return 0
	}
	return h.req.Token.Offset
}

func (h *HTTPHandle) tokenTotal() int64 {
	if h.req.Token == nil {
		return 0
	}
	return h.req.Token.TotalSize
}

func (h *HTTPHandle) stoppedOutcome(reason error, path string, written, total int64, resumable bool) Outcome {
	out := Outcome{Path: path, Written: written, Total: total}
	if errors.Is(reason, errCancelled) {
		out.Kind = Cancelled
		return out
	}
	out.Kind = Paused
	if resumable && path != "" {
		out.Token = &types.ResumeToken{
			URL:       h.req.URL,
			Path:      path,
			Offset:    written,
			TotalSize: total,
		}
		if h.req.Token != nil {
			out.Token.ETag = h.req.Token.ETag
			out.Token.LastModified = h.req.Token.LastModified
		}
	}
	return out
}

// classify maps an interruption to an outcome using the cancel cause
func (h *HTTPHandle) classify(ctx context.Context, err error, s *stream) Outcome {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errPaused), errors.Is(cause, errCancelled):
		if s.file != nil {
			_ = s.file.Sync()
		}
		out := h.stoppedOutcome(cause, s.path, s.written, s.total, s.resumable)
		if out.Token != nil {
			out.Token.ETag = s.etag
			out.Token.LastModified = s.lastModified
		}
		return out
	case errors.Is(cause, errStalled):
		return s.fail(types.TransferError(errStalled))
	}
	return s.fail(err)
}

// stream is the mutable state of one Start call
type stream struct {
	path         string
	file         *os.File
	written      int64
	total        int64
	resumable    bool
	etag         string
	lastModified string
}

func (s *stream) fail(err error) Outcome {
	return Outcome{Kind: Failed, Path: s.path, Written: s.written, Total: s.total, Err: err}
}

func (h *HTTPHandle) run(ctx context.Context) Outcome {
	s := &stream{}
	if tok := h.req.Token; tok != nil {
		s.etag = tok.ETag
		s.lastModified = tok.LastModified
		s.total = tok.TotalSize
	}

	var path string
	var offset int64
	if h.req.Token != nil {
		// A resumed transfer continues in the file it already has
		var err error
		if path, err = h.resolve(ctx, s, ""); err != nil {
			return h.classify(ctx, err, s)
		}
		offset = h.resumeOffset(path)
		s.written = offset
		s.resumable = offset > 0
		if offset > 0 && s.total > 0 && offset >= s.total {
			// Everything arrived before the pause
			return Outcome{Kind: Succeeded, Path: path, Written: offset, Total: s.total}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.req.URL, nil)
	if err != nil {
		return s.fail(types.TransferError(err))
	}
	req.Header.Set("User-Agent", h.runtime.GetUserAgent())
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if v := h.req.Token.Validator(); v != "" {
			req.Header.Set("If-Range", v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return h.classify(ctx, err, s)
		}
		return s.fail(types.TransferError(err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			utils.Debug("Error closing response body: %v", err)
		}
	}()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 && offset == s.total {
		return Outcome{Kind: Succeeded, Path: path, Written: offset, Total: s.total}
	}

	meta, err := describeResponse(resp, offset)
	if err != nil {
		return s.fail(types.TransferError(err))
	}
	s.written = meta.Offset
	s.total = meta.Total
	s.resumable = meta.Resumable
	if tag := resp.Header.Get("ETag"); tag != "" {
		s.etag = tag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		s.lastModified = lm
	}
	if meta.Offset == 0 && offset > 0 {
		utils.Debug("Transfer %s: server ignored range, restarting from zero", h.req.ID)
	}
	if path == "" {
		if path, err = h.resolve(ctx, s, meta.Filename); err != nil {
			return h.classify(ctx, err, s)
		}
	}

	if h.req.Preflight != nil && s.total > 0 {
		if err := h.req.Preflight(path, s.total-s.written); err != nil {
			return s.fail(types.WriteError(err))
		}
	}

	if err := s.open(); err != nil {
		return s.fail(types.WriteError(err))
	}
	defer func() {
		if s.file != nil {
			_ = s.file.Close()
		}
	}()

	if h.req.OnStart != nil {
		h.req.OnStart(meta)
	}

	if err := h.copyBody(ctx, resp.Body, s); err != nil {
		return h.classify(ctx, err, s)
	}

	if s.total > 0 && s.written != s.total {
		return s.fail(types.TransferError(fmt.Errorf("connection closed after %d of %d bytes", s.written, s.total)))
	}
	if s.total == 0 {
		s.total = s.written
	}

	if err := s.file.Sync(); err != nil {
		return s.fail(types.WriteError(fmt.Errorf("sync error: %w", err)))
	}
	if err := s.file.Close(); err != nil {
		s.file = nil
		return s.fail(types.WriteError(fmt.Errorf("close error: %w", err)))
	}
	s.file = nil

	h.report(s.written, s.total)
	return Outcome{Kind: Succeeded, Path: path, Written: s.written, Total: s.total}
}

// resolve asks the owner for the target path and records it on s
func (h *HTTPHandle) resolve(ctx context.Context, s *stream, suggested string) (string, error) {
	path, err := h.req.Resolve(ctx, suggested)
	if err != nil {
		return "", err
	}
	s.path = path
	return path, nil
}

// resumeOffset returns the byte offset to continue from, truncating any bytes
// beyond the confirmed offset. Zero means start over.
func (h *HTTPHandle) resumeOffset(path string) int64 {
	tok := h.req.Token
	if tok == nil || tok.Offset <= 0 {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() < tok.Offset {
		utils.Debug("Transfer %s: partial file missing or short, restarting", h.req.ID)
		return 0
	}
	if info.Size() > tok.Offset {
		if err := os.Truncate(path, tok.Offset); err != nil {
			return 0
		}
	}
	return tok.Offset
}

func (s *stream) open() error {
	flags := os.O_WRONLY | os.O_CREATE
	if s.written == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return err
	}
	if s.written > 0 {
		if err := f.Truncate(s.written); err != nil {
			_ = f.Close()
			return err
		}
		if _, err := f.Seek(s.written, io.SeekStart); err != nil {
			_ = f.Close()
			return err
		}
	}
	s.file = f
	return nil
}

func (h *HTTPHandle) copyBody(ctx context.Context, body io.Reader, s *stream) error {
	limiter := rate.NewLimiter(rate.Every(h.runtime.GetProgressInterval()), 1)
	buf := make([]byte, h.runtime.GetWorkerBufferSize())

	var beat chan struct{}
	if timeout := h.runtime.GetStallTimeout(); timeout > 0 {
		beat = make(chan struct{}, 1)
		go h.watchStall(ctx, timeout, beat)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		nr, readErr := body.Read(buf)
		if nr > 0 {
			if beat != nil {
				select {
				case beat <- struct{}{}:
				default:
				}
			}
			nw, writeErr := s.file.Write(buf[:nr])
			if nw > 0 {
				s.written += int64(nw)
			}
			if writeErr != nil {
				return types.WriteError(fmt.Errorf("write error: %w", writeErr))
			}
			if nw != nr {
				return types.WriteError(io.ErrShortWrite)
			}
			if limiter.Allow() {
				h.report(s.written, s.total)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return types.TransferError(fmt.Errorf("read error: %w", readErr))
		}
	}
}

func (h *HTTPHandle) watchStall(ctx context.Context, timeout time.Duration, beat <-chan struct{}) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.C:
			utils.Debug("Transfer %s: no data for %s", h.req.ID, timeout)
			h.mu.Lock()
			cancel := h.cancel
			h.mu.Unlock()
			if cancel != nil {
				cancel(errStalled)
			}
			return
		}
	}
}

func (h *HTTPHandle) report(written, total int64) {
	if h.req.OnProgress != nil {
		h.req.OnProgress(written, total)
	}
}
