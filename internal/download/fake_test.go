package download

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/surge-downloader/surgeq/internal/engine/transfer"
	"github.com/surge-downloader/surgeq/internal/engine/types"
)

// fakeFactory hands out scripted handles and records them per item
type fakeFactory struct {
	mu        sync.Mutex
	handles   map[string][]*fakeHandle
	resumable bool
	total     int64
	started   chan *fakeHandle
	// filename is what the fake server reports for fresh transfers
	filename string
}

func newFakeFactory(total int64, resumable bool) *fakeFactory {
	return &fakeFactory{
		handles:   make(map[string][]*fakeHandle),
		resumable: resumable,
		total:     total,
		started:   make(chan *fakeHandle, 64),
	}
}

func (f *fakeFactory) build(req transfer.Request) transfer.Handle {
	h := &fakeHandle{
		req:       req,
		resumable: f.resumable,
		total:     f.total,
		filename:  f.filename,
		stop:      make(chan transfer.OutcomeKind, 1),
		result:    make(chan transfer.Outcome, 1),
		done:      make(chan struct{}),
		notify:    f.started,
	}
	f.mu.Lock()
	f.handles[req.ID] = append(f.handles[req.ID], h)
	f.mu.Unlock()
	return h
}

func (f *fakeFactory) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles[id])
}

// waitStarted returns the next handle whose Start resolved a target
func (f *fakeFactory) waitStarted(t *testing.T) *fakeHandle {
	t.Helper()
	select {
	case h := <-f.started:
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("no transfer started")
		return nil
	}
}

// expectNoStart fails if a handle starts within a short window
func (f *fakeFactory) expectNoStart(t *testing.T) {
	t.Helper()
	select {
	case h := <-f.started:
		t.Fatalf("unexpected start of %s", h.req.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeHandle struct {
	req       transfer.Request
	resumable bool
	total     int64
	filename  string
	notify    chan *fakeHandle

	mu       sync.Mutex
	started  bool
	stopped  transfer.OutcomeKind
	halted   bool
	finished bool
	path     string
	written  int64

	stop   chan transfer.OutcomeKind
	result chan transfer.Outcome
	done   chan struct{}
}

func (h *fakeHandle) Start(ctx context.Context) transfer.Outcome {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return transfer.Outcome{Kind: transfer.Failed, Err: errors.New("started twice")}
	}
	h.started = true
	if h.halted {
		kind := h.stopped
		h.mu.Unlock()
		close(h.done)
		return transfer.Outcome{Kind: kind, Token: h.req.Token}
	}
	h.mu.Unlock()

	out := h.run(ctx)

	h.mu.Lock()
	h.finished = out.Kind == transfer.Succeeded || out.Kind == transfer.Failed
	h.mu.Unlock()
	close(h.done)
	return out
}

func (h *fakeHandle) run(ctx context.Context) transfer.Outcome {
	suggested := h.filename
	if h.req.Token != nil {
		suggested = ""
	}
	path, err := h.req.Resolve(ctx, suggested)
	if err != nil {
		return transfer.Outcome{Kind: transfer.Failed, Err: err}
	}

	var offset int64
	if h.req.Token != nil {
		offset = h.req.Token.Offset
	} else if err := os.WriteFile(path, nil, 0o644); err != nil {
		return transfer.Outcome{Kind: transfer.Failed, Err: types.WriteError(err)}
	}
	h.mu.Lock()
	h.path = path
	h.written = offset
	h.mu.Unlock()

	if h.req.OnStart != nil {
		h.req.OnStart(transfer.Meta{Offset: offset, Total: h.total, Resumable: h.resumable, Filename: suggested})
	}
	h.notify <- h

	select {
	case out := <-h.result:
		return out
	case kind := <-h.stop:
		h.mu.Lock()
		defer h.mu.Unlock()
		out := transfer.Outcome{Kind: kind, Path: h.path, Written: h.written, Total: h.total}
		if kind == transfer.Paused && h.resumable {
			out.Token = &types.ResumeToken{URL: h.req.URL, Path: h.path, Offset: h.written, TotalSize: h.total}
		}
		return out
	case <-ctx.Done():
		return transfer.Outcome{Kind: transfer.Cancelled}
	}
}

func (h *fakeHandle) Pause() (*types.ResumeToken, error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return nil, types.ErrTransferFinished
	}
	if !h.started {
		h.halted, h.stopped = true, transfer.Paused
		tok := h.req.Token
		h.mu.Unlock()
		if tok == nil {
			return nil, types.ErrResumeUnsupported
		}
		return tok, nil
	}
	h.mu.Unlock()

	h.stop <- transfer.Paused
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return nil, types.ErrTransferFinished
	}
	if !h.resumable {
		return nil, types.ErrResumeUnsupported
	}
	return &types.ResumeToken{URL: h.req.URL, Path: h.path, Offset: h.written, TotalSize: h.total}, nil
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	if !h.started {
		h.halted, h.stopped = true, transfer.Cancelled
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	select {
	case h.stop <- transfer.Cancelled:
	default:
	}
	<-h.done
}

// progress appends n bytes to the file and reports the new count
func (h *fakeHandle) progress(t *testing.T, upTo int64) {
	t.Helper()
	h.mu.Lock()
	path := h.path
	grow := upTo - h.written
	h.written = upTo
	h.mu.Unlock()

	if grow > 0 {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			t.Fatalf("open partial: %v", err)
		}
		_, _ = f.Write(make([]byte, grow))
		_ = f.Close()
	}
	if h.req.OnProgress != nil {
		h.req.OnProgress(upTo, h.total)
	}
}

// complete writes the remaining bytes and finishes successfully
func (h *fakeHandle) complete(t *testing.T) {
	t.Helper()
	h.progress(t, h.total)
	h.mu.Lock()
	out := transfer.Outcome{Kind: transfer.Succeeded, Path: h.path, Written: h.total, Total: h.total}
	h.mu.Unlock()
	h.result <- out
	<-h.done
}

// fail ends the transfer with err
func (h *fakeHandle) fail(err error) {
	h.result <- transfer.Outcome{Kind: transfer.Failed, Err: err}
	<-h.done
}
