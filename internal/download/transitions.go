package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/surge-downloader/surgeq/internal/engine/events"
	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/storage"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// Enqueue creates a Queued item and tries to promote it. It never waits on the transfer.
func (q *Queue) Enqueue(rawURL, filename string) (string, error) {
	q.mu.Lock()
	root := q.folder
	if q.opts.RootOverride != "" {
		root = q.opts.RootOverride
	}
	q.mu.Unlock()
	return q.enqueue(rawURL, filename, root)
}

func (q *Queue) enqueue(rawURL, filename, root string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("invalid download url %q", rawURL)
	}

	explicit := strings.TrimSpace(filename) != ""
	name := filename
	if !explicit {
		name = utils.FilenameFromURL(rawURL)
	}
	name = storage.Sanitize(name)

	e := &entry{
		explicitName: explicit,
		item: types.DownloadItem{
			ID:              q.opts.NewID(),
			SourceURL:       rawURL,
			DisplayFilename: name,
			State:           types.StateQueued,
			CreatedAt:       q.opts.Now(),
			RootURI:         root,
		},
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	if _, dup := q.entries[e.item.ID]; dup {
		q.mu.Unlock()
		return "", fmt.Errorf("duplicate download id %s", e.item.ID)
	}
	q.entries[e.item.ID] = e
	q.order = append(q.order, e.item.ID)
	q.mu.Unlock()

	utils.Debug("Queue: enqueued %s %s as %s", e.item.ID, rawURL, name)
	q.save()
	q.publish(events.DownloadQueuedMsg{DownloadID: e.item.ID, Filename: name, URL: rawURL})
	q.schedule()
	return e.item.ID, nil
}

func (q *Queue) lookup(id string) (*entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return e, nil
}

// Pause stops a Downloading item, keeping its resume token when the server allows one
func (q *Queue) Pause(id string) error {
	e, err := q.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	q.mu.Lock()
	if e.item.State != types.StateDownloading {
		st := e.item.State
		q.mu.Unlock()
		e.mu.Unlock()
		return &types.StateError{ID: id, State: st, Operation: "pause"}
	}
	h := e.handle
	q.mu.Unlock()

	token, perr := h.Pause()
	if errors.Is(perr, types.ErrTransferFinished) {
		// The outcome is waiting on e.mu and will be applied by finish
		e.mu.Unlock()
		return fmt.Errorf("%w: %w", types.ErrInvalidState, types.ErrTransferFinished)
	}

	q.mu.Lock()
	q.releaseLocked(e)
	var msg interface{}
	switch {
	case perr == nil || errors.Is(perr, types.ErrResumeUnsupported):
		e.item.State = types.StatePaused
		e.item.ResumeToken = token
		if token != nil && token.Offset > e.item.DownloadedBytes {
			e.item.DownloadedBytes = token.Offset
		}
		q.bindIdleLocked(e, token)
		msg = events.DownloadPausedMsg{
			DownloadID: id,
			Filename:   e.item.DisplayFilename,
			Downloaded: e.item.DownloadedBytes,
			Resumable:  token != nil,
		}
	default:
		q.failLocked(e, fmt.Errorf("pause failed: %w", perr))
		msg = events.DownloadErrorMsg{DownloadID: id, Filename: e.item.DisplayFilename, Err: perr}
	}
	st := e.item.State
	q.mu.Unlock()

	if st == types.StateFailed {
		q.discardTarget(e)
	}
	utils.Debug("Queue: %s paused (resumable=%t)", id, token != nil)
	q.save()
	q.publish(msg)
	e.mu.Unlock()

	q.schedule()
	return nil
}

// Resume continues a Paused item now if a slot is free, otherwise re-queues it
func (q *Queue) Resume(id string) error {
	e, err := q.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	q.mu.Lock()
	if e.item.State != types.StatePaused {
		st := e.item.State
		q.mu.Unlock()
		e.mu.Unlock()
		return &types.StateError{ID: id, State: st, Operation: "resume"}
	}

	token := e.item.ResumeToken
	restarted := token == nil && e.item.DownloadedBytes > 0
	if token == nil {
		// Restart from zero is an explicit, visible reset
		e.item.DownloadedBytes = 0
	}
	e.item.ResumeToken = nil

	var msgs []interface{}
	if q.started && !q.closed && q.active < q.cfg.MaxConcurrency {
		h := e.handle
		q.startLocked(e, h)
		msgs = append(msgs, events.DownloadResumedMsg{
			DownloadID: id,
			Filename:   e.item.DisplayFilename,
			FromOffset: e.item.DownloadedBytes,
			Restarted:  restarted,
		})
	} else {
		e.handle = nil
		e.gen++
		e.pending = token
		e.item.ResumeToken = token
		e.item.State = types.StateQueued
		msgs = append(msgs, events.DownloadQueuedMsg{DownloadID: id, Filename: e.item.DisplayFilename, URL: e.item.SourceURL})
	}
	st := e.item.State
	q.mu.Unlock()

	utils.Debug("Queue: %s resumed -> %s", id, st)
	q.save()
	for _, m := range msgs {
		q.publish(m)
	}
	e.mu.Unlock()
	return nil
}

// Cancel aborts a non-terminal item and deletes its partial output
func (q *Queue) Cancel(id string) error {
	e, err := q.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	q.mu.Lock()
	if e.item.State.IsTerminal() {
		st := e.item.State
		q.mu.Unlock()
		e.mu.Unlock()
		return &types.StateError{ID: id, State: st, Operation: "cancel"}
	}
	h := e.handle
	wasRunning := e.running
	q.mu.Unlock()

	if h != nil {
		h.Cancel()
	}

	q.mu.Lock()
	q.releaseLocked(e)
	e.handle = nil
	e.pending = nil
	e.item.State = types.StateCancelled
	e.item.ResumeToken = nil
	now := q.opts.Now()
	e.item.FinishedAt = &now
	q.mu.Unlock()

	q.discardTarget(e)

	q.mu.Lock()
	e.item.LocalPath = ""
	e.item.PartialPath = ""
	name := e.item.DisplayFilename
	q.mu.Unlock()

	utils.Debug("Queue: %s cancelled", id)
	q.save()
	q.publish(events.DownloadCancelledMsg{DownloadID: id, Filename: name})
	e.mu.Unlock()

	if wasRunning {
		q.schedule()
	}
	return nil
}

// Remove deletes a terminal item from the list along with its file
func (q *Queue) Remove(id string) error {
	e, err := q.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	q.mu.Lock()
	if !e.item.State.IsTerminal() {
		st := e.item.State
		q.mu.Unlock()
		return &types.StateError{ID: id, State: st, Operation: "remove"}
	}
	item := e.item.Clone()
	q.mu.Unlock()

	if item.State == types.StateCompleted {
		if err := q.opts.Resolver.RemoveFile(item.RootURI, item.LocalPath); err != nil {
			utils.Debug("Queue: failed to delete %s: %v", item.LocalPath, err)
		}
	}
	q.discardTarget(e)

	q.mu.Lock()
	delete(q.entries, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	utils.Debug("Queue: %s removed", id)
	q.save()
	q.publish(events.DownloadRemovedMsg{DownloadID: id, Filename: item.DisplayFilename})
	return nil
}

// Retry enqueues a new item for the URL and name of a Failed or Cancelled item
func (q *Queue) Retry(id string) (string, error) {
	e, err := q.lookup(id)
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	st := e.item.State
	rawURL, name, root := e.item.SourceURL, e.item.DisplayFilename, e.item.RootURI
	q.mu.Unlock()

	if st != types.StateFailed && st != types.StateCancelled {
		return "", &types.StateError{ID: id, State: st, Operation: "retry"}
	}
	return q.enqueue(rawURL, name, root)
}

// SetMaxConcurrency changes the slot count. Running items are never preempted.
func (q *Queue) SetMaxConcurrency(n int) error {
	if n < types.MinConcurrency {
		return fmt.Errorf("%w: got %d", types.ErrInvalidConcurrency, n)
	}

	q.mu.Lock()
	q.cfg.MaxConcurrency = n
	cfg := q.cfg
	q.mu.Unlock()

	if err := q.opts.Store.SaveConfig(context.Background(), cfg); err != nil {
		utils.Debug("Queue: failed to persist config: %v", err)
	}
	utils.Debug("Queue: max concurrency set to %d", n)
	q.publish(events.ConfigChangedMsg{Config: cfg})
	q.schedule()
	return nil
}

// SelectFolder implements core.DownloadService
func (q *Queue) SelectFolder(ctx context.Context, picker storage.FolderPicker) (string, error) {
	root, err := q.opts.Resolver.SelectFolder(ctx, picker)
	if err != nil {
		return "", err
	}
	if err := q.opts.Store.SaveFolder(ctx, root); err != nil {
		return "", fmt.Errorf("failed to persist folder: %w", err)
	}
	q.mu.Lock()
	q.folder = root
	q.mu.Unlock()
	q.publish(events.FolderChangedMsg{RootURI: root})
	return root, nil
}

// ClearFolder implements core.DownloadService
func (q *Queue) ClearFolder() error {
	if err := q.opts.Store.SaveFolder(context.Background(), ""); err != nil {
		return fmt.Errorf("failed to persist folder: %w", err)
	}
	q.mu.Lock()
	q.folder = ""
	q.mu.Unlock()
	q.publish(events.FolderChangedMsg{})
	return nil
}

// discardTarget drops the partial file and reservation of e. Caller holds e.mu.
func (q *Queue) discardTarget(e *entry) {
	q.mu.Lock()
	t, ok := e.target, e.hasTarget
	e.hasTarget = false
	e.target = storage.Target{}
	id := e.item.ID
	q.mu.Unlock()

	if ok {
		q.opts.Resolver.Discard(id, t)
	} else {
		q.opts.Resolver.Release(id)
	}
}
