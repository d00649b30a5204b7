package download

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/surge-downloader/surgeq/internal/engine/events"
	"github.com/surge-downloader/surgeq/internal/engine/transfer"
	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/storage"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// schedule promotes Queued items in FIFO order while slots are free.
// Callers must not hold any entry lock.
func (q *Queue) schedule() {
	for {
		q.mu.Lock()
		if !q.started || q.closed || q.active >= q.cfg.MaxConcurrency {
			q.mu.Unlock()
			return
		}
		var next *entry
		for _, id := range q.order {
			if e := q.entries[id]; e.item.State == types.StateQueued {
				next = e
				break
			}
		}
		q.mu.Unlock()
		if next == nil {
			return
		}

		if !q.promote(next) {
			// Lost a race with another transition on the same item, or no slot left
			q.mu.Lock()
			stillQueued := next.item.State == types.StateQueued
			full := q.active >= q.cfg.MaxConcurrency
			q.mu.Unlock()
			if stillQueued || full {
				return
			}
		}
	}
}

// promote moves e from Queued to Downloading if a slot is still free
func (q *Queue) promote(e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	q.mu.Lock()
	if e.item.State != types.StateQueued || !q.started || q.closed || q.active >= q.cfg.MaxConcurrency {
		q.mu.Unlock()
		return false
	}
	token := e.pending
	e.pending = nil
	e.item.ResumeToken = nil
	g := e.gen + 1
	h := q.opts.Factory(q.request(e, g, token))
	e.gen = g
	e.handle = h
	e.item.DownloadedBytes = 0
	if token != nil {
		e.item.DownloadedBytes = token.Offset
	}
	q.startLocked(e, h)
	msg := events.DownloadStartedMsg{
		DownloadID: e.item.ID,
		URL:        e.item.SourceURL,
		Filename:   e.item.DisplayFilename,
		Total:      e.item.TotalBytes,
	}
	q.mu.Unlock()

	utils.Debug("Queue: promoted %s", e.item.ID)
	q.save()
	q.publish(msg)
	return true
}

// bindIdleLocked attaches a fresh, unstarted handle prepared from token
func (q *Queue) bindIdleLocked(e *entry, token *types.ResumeToken) {
	g := e.gen + 1
	e.handle = q.opts.Factory(q.request(e, g, token))
	e.gen = g
	e.running = false
}

// startLocked runs the bound handle h and claims a slot for it
func (q *Queue) startLocked(e *entry, h transfer.Handle) {
	e.item.State = types.StateDownloading
	e.item.LastError = ""
	e.item.FinishedAt = nil
	e.running = true
	e.episodeStart = q.opts.Now()
	e.speedAt = time.Time{}
	e.speed = 0
	q.active++

	gen := e.gen
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		out := h.Start(q.ctx)
		q.finish(e, gen, out)
	}()
}

// releaseLocked frees e's slot if it holds one and stops accepting its callbacks
func (q *Queue) releaseLocked(e *entry) {
	if e.running {
		e.running = false
		q.active--
	}
	e.gen++
}

func (q *Queue) failLocked(e *entry, err error) {
	e.handle = nil
	e.item.State = types.StateFailed
	e.item.LastError = err.Error()
	e.item.ResumeToken = nil
	now := q.opts.Now()
	e.item.FinishedAt = &now
}

// request builds the transfer request for handle generation g
func (q *Queue) request(e *entry, g uint64, token *types.ResumeToken) transfer.Request {
	id := e.item.ID
	return transfer.Request{
		ID:    id,
		URL:   e.item.SourceURL,
		Token: token,
		Resolve: func(ctx context.Context, suggested string) (string, error) {
			return q.resolve(ctx, e, suggested)
		},
		Preflight: q.opts.Resolver.Preflight,
		OnStart: func(m transfer.Meta) {
			q.onStart(e, g, m)
		},
		OnProgress: func(written, total int64) {
			q.onProgress(e, g, written, total)
		},
	}
}

// resolve picks the item's target once. A server-suggested name replaces
// the URL-derived one unless the caller named the file.
func (q *Queue) resolve(ctx context.Context, e *entry, suggested string) (string, error) {
	q.mu.Lock()
	if e.hasTarget {
		p := e.target.WritePath
		q.mu.Unlock()
		return p, nil
	}
	id, root, name := e.item.ID, e.item.RootURI, e.item.DisplayFilename
	if !e.explicitName && suggested != "" {
		if clean := storage.Sanitize(suggested); clean != "" {
			name = clean
		}
	}
	q.mu.Unlock()

	t, err := q.opts.Resolver.Resolve(ctx, id, root, name)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	e.target = t
	e.hasTarget = true
	e.item.LocalPath = t.FinalPath
	e.item.PartialPath = t.WritePath
	e.item.DisplayFilename = t.Name
	q.mu.Unlock()

	q.save()
	return t.WritePath, nil
}

func (q *Queue) onStart(e *entry, g uint64, m transfer.Meta) {
	q.mu.Lock()
	if e.gen != g || !e.running {
		q.mu.Unlock()
		return
	}
	if m.Total > 0 {
		e.item.TotalBytes = m.Total
	}
	var restart *events.DownloadResumedMsg
	if m.Offset == 0 && e.item.DownloadedBytes > 0 {
		// Server ignored the range; the episode starts over
		e.item.DownloadedBytes = 0
		restart = &events.DownloadResumedMsg{DownloadID: e.item.ID, Filename: e.item.DisplayFilename, Restarted: true}
	}
	q.mu.Unlock()

	if restart != nil {
		utils.Debug("Queue: %s restarting from zero", restart.DownloadID)
		q.save()
		q.publish(*restart)
	}
}

func (q *Queue) onProgress(e *entry, g uint64, written, total int64) {
	q.mu.Lock()
	if e.gen != g || !e.running {
		q.mu.Unlock()
		return
	}
	if total > 0 {
		e.item.TotalBytes = total
	}
	if written > e.item.DownloadedBytes {
		e.item.DownloadedBytes = written
	}
	now := q.opts.Now()
	if !e.speedAt.IsZero() {
		if dt := now.Sub(e.speedAt).Seconds(); dt > 0 {
			inst := float64(e.item.DownloadedBytes-e.speedBytes) / dt
			if e.speed == 0 {
				e.speed = inst
			} else {
				e.speed = 0.7*e.speed + 0.3*inst
			}
		}
	}
	e.speedAt = now
	e.speedBytes = e.item.DownloadedBytes
	msg := events.ProgressMsg{
		DownloadID: e.item.ID,
		Downloaded: e.item.DownloadedBytes,
		Total:      e.item.TotalBytes,
		Speed:      e.speed,
	}
	q.mu.Unlock()

	q.publish(msg)
	if q.persist.Allow() {
		q.save()
	}
}

// finish applies the outcome of handle generation g unless a transition already unbound it
func (q *Queue) finish(e *entry, g uint64, out transfer.Outcome) {
	e.mu.Lock()

	q.mu.Lock()
	if e.gen != g || !e.running {
		q.mu.Unlock()
		e.mu.Unlock()
		return
	}
	q.releaseLocked(e)
	id := e.item.ID
	name := e.item.DisplayFilename
	target, hasTarget := e.target, e.hasTarget
	elapsed := q.opts.Now().Sub(e.episodeStart)
	q.mu.Unlock()

	var msg interface{}
	switch out.Kind {
	case transfer.Succeeded:
		total := out.Total
		if total <= 0 {
			total = out.Written
		}
		var final string
		var err error
		if hasTarget {
			final, err = q.opts.Resolver.Commit(id, target, total)
			if err != nil {
				q.opts.Resolver.Discard(id, target)
			}
		} else {
			err = types.WriteError(fmt.Errorf("no target resolved for %s", id))
		}

		q.mu.Lock()
		e.hasTarget = false
		e.target = storage.Target{}
		if err != nil {
			q.failLocked(e, err)
			e.item.LocalPath = ""
			e.item.PartialPath = ""
			msg = events.DownloadErrorMsg{DownloadID: id, Filename: name, Err: err}
		} else {
			e.handle = nil
			e.item.State = types.StateCompleted
			e.item.TotalBytes = total
			e.item.DownloadedBytes = total
			e.item.LocalPath = final
			e.item.PartialPath = ""
			if filepath.Ext(e.item.DisplayFilename) == "" && filepath.Ext(final) != "" {
				e.item.DisplayFilename = filepath.Base(final)
			}
			now := q.opts.Now()
			e.item.FinishedAt = &now
			msg = events.DownloadCompleteMsg{
				DownloadID: id,
				Filename:   e.item.DisplayFilename,
				LocalPath:  final,
				Elapsed:    elapsed,
				Total:      total,
			}
		}
		q.mu.Unlock()

	case transfer.Paused:
		q.mu.Lock()
		e.item.State = types.StatePaused
		e.item.ResumeToken = out.Token
		q.bindIdleLocked(e, out.Token)
		msg = events.DownloadPausedMsg{DownloadID: id, Filename: name, Downloaded: e.item.DownloadedBytes, Resumable: out.Token != nil}
		q.mu.Unlock()

	case transfer.Cancelled:
		q.mu.Lock()
		e.handle = nil
		e.item.State = types.StateCancelled
		now := q.opts.Now()
		e.item.FinishedAt = &now
		e.item.LocalPath = ""
		e.item.PartialPath = ""
		q.mu.Unlock()
		q.discardTarget(e)
		msg = events.DownloadCancelledMsg{DownloadID: id, Filename: name}

	default:
		err := out.Err
		if err == nil {
			err = types.TransferError(fmt.Errorf("transfer ended without a result"))
		}
		q.mu.Lock()
		q.failLocked(e, err)
		e.item.LocalPath = ""
		e.item.PartialPath = ""
		q.mu.Unlock()
		q.discardTarget(e)
		msg = events.DownloadErrorMsg{DownloadID: id, Filename: name, Err: err}
	}

	q.mu.Lock()
	utils.Debug("Queue: %s finished as %s", id, e.item.State)
	q.mu.Unlock()
	q.save()
	q.publish(msg)
	e.mu.Unlock()

	q.schedule()
}
