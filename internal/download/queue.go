// Package download implements the download queue: the item state machine,
// bounded FIFO promotion, persistence and event publication.
package download

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/surge-downloader/surgeq/internal/engine/state"
	"github.com/surge-downloader/surgeq/internal/engine/transfer"
	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/storage"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// ErrClosed is returned by Enqueue after Shutdown
var ErrClosed = errors.New("download queue is shut down")

// Options wires a Queue to its collaborators
type Options struct {
	Store    *state.Store
	Resolver *storage.Resolver
	Factory  transfer.Factory
	Runtime  *types.RuntimeConfig

	// DefaultConcurrency applies when no config has been persisted
	DefaultConcurrency int
	// RootOverride, when set, is used for new items instead of the persisted folder
	RootOverride string

	NewID func() string
	Now   func() time.Time
}

// entry is the queue's private record for one item.
// item and the handle bookkeeping are guarded by Queue.mu; mu serializes transitions.
type entry struct {
	mu sync.Mutex

	item         types.DownloadItem
	explicitName bool

	handle  transfer.Handle // Bound while Downloading or Paused
	gen     uint64          // Identifies handle; callbacks from older handles are dropped
	running bool            // handle is streaming and holds a slot
	pending *types.ResumeToken

	target    storage.Target
	hasTarget bool

	episodeStart time.Time
	speedBytes   int64
	speedAt      time.Time
	speed        float64
}

// Queue owns all DownloadItems and their transfer handles
type Queue struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	cfg     types.QueueConfig
	folder  string
	active  int
	started bool
	closed  bool

	saveMu  sync.Mutex
	persist *rate.Limiter

	subMu    sync.Mutex
	subs     map[int]chan interface{}
	nextSub  int
	subsDone bool // Set once Shutdown has closed every subscriber

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads persisted state, applies crash recovery and returns an idle queue.
// Nothing is promoted until Start.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Store == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("download queue needs a store and a resolver")
	}
	if opts.Factory == nil {
		opts.Factory = transfer.NewFactory(nil, opts.Runtime)
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:    opts,
		entries: make(map[string]*entry),
		persist: rate.NewLimiter(rate.Every(opts.Runtime.GetPersistInterval()), 1),
		subs:    make(map[int]chan interface{}),
		ctx:     runCtx,
		cancel:  cancel,
	}

	if err := q.load(ctx); err != nil {
		cancel()
		return nil, err
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	cfg, ok, err := q.opts.Store.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue config: %w", err)
	}
	if !ok {
		cfg.MaxConcurrency = q.opts.DefaultConcurrency
		if cfg.MaxConcurrency < types.MinConcurrency {
			cfg.MaxConcurrency = types.DefaultMaxConcurrency
		}
	}
	q.cfg = cfg

	if q.folder, err = q.opts.Store.LoadFolder(ctx); err != nil {
		return fmt.Errorf("failed to load download folder: %w", err)
	}

	items, err := q.opts.Store.LoadItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to load downloads: %w", err)
	}

	recovered := 0
	keepScratch := make(map[string]bool)
	for _, it := range items {
		e := &entry{item: it, explicitName: true}
		if it.State == types.StateDownloading {
			// The handle died with the previous process
			e.item.State = types.StatePaused
			e.item.ResumeToken = nil
			recovered++
		}
		if !e.item.State.IsTerminal() && e.item.LocalPath != "" && e.item.PartialPath != "" {
			e.target = targetOf(e.item)
			e.hasTarget = true
			q.opts.Resolver.Reserve(e.item.ID, e.target)
			if e.target.Staged {
				keepScratch[e.item.ID] = true
			}
		}
		switch e.item.State {
		case types.StatePaused:
			q.bindIdleLocked(e, e.item.ResumeToken)
		case types.StateQueued:
			e.pending = e.item.ResumeToken
		}
		q.entries[it.ID] = e
		q.order = append(q.order, it.ID)
	}
	q.opts.Resolver.CleanScratch(keepScratch)

	utils.Debug("Queue: loaded %d items (%d recovered to paused), max concurrency %d",
		len(items), recovered, q.cfg.MaxConcurrency)
	if recovered > 0 {
		q.save()
	}
	return nil
}

// targetOf rebuilds the resolver target recorded on a persisted item
func targetOf(it types.DownloadItem) storage.Target {
	return storage.Target{
		Name:      filepath.Base(it.LocalPath),
		FinalPath: it.LocalPath,
		WritePath: it.PartialPath,
		RootURI:   it.RootURI,
		Staged:    storage.IsTreeURI(it.RootURI),
	}
}

// Start enables promotion. Offline tools that only inspect or edit the list never call it.
func (q *Queue) Start() {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()
	q.schedule()
}

// ResumeAll resumes every Paused item, in list order
func (q *Queue) ResumeAll() {
	q.mu.Lock()
	var ids []string
	for _, id := range q.order {
		if q.entries[id].item.State == types.StatePaused {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		if err := q.Resume(id); err != nil {
			utils.Debug("Queue: auto resume %s: %v", id, err)
		}
	}
}

// List returns snapshots of all items in enqueue order
func (q *Queue) List() []types.DownloadItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() []types.DownloadItem {
	out := make([]types.DownloadItem, 0, len(q.order))
	for _, id := range q.order {
		e := q.entries[id]
		out = append(out, e.item.Clone())
	}
	return out
}

// Get returns a snapshot of one item
func (q *Queue) Get(id string) (types.DownloadItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return types.DownloadItem{}, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return e.item.Clone(), nil
}

// Config returns the current queue configuration
func (q *Queue) Config() types.QueueConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Folder returns the destination root for new items
func (q *Queue) Folder() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.folder
}

// Subscribe implements core.DownloadService
func (q *Queue) Subscribe() (<-chan interface{}, func()) {
	ch := make(chan interface{}, types.EventChannelBuffer)
	q.subMu.Lock()
	defer q.subMu.Unlock()
	if q.subsDone {
		close(ch)
		return ch, func() {}
	}
	id := q.nextSub
	q.nextSub++
	q.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.subMu.Lock()
			defer q.subMu.Unlock()
			if c, ok := q.subs[id]; ok {
				delete(q.subs, id)
				close(c)
			}
		})
	}
}

func (q *Queue) publish(msg interface{}) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for id, ch := range q.subs {
		select {
		case ch <- msg:
		default:
			utils.Debug("Queue: subscriber %d full, dropping %T", id, msg)
		}
	}
}

// save writes the whole list. Snapshotting under saveMu keeps writes in order.
func (q *Queue) save() {
	q.saveMu.Lock()
	defer q.saveMu.Unlock()

	q.mu.Lock()
	items := q.snapshotLocked()
	q.mu.Unlock()

	if err := q.opts.Store.SaveItems(context.Background(), items); err != nil {
		utils.Debug("Queue: failed to persist downloads: %v", err)
	}
}

// Shutdown pauses every running transfer, persists and closes subscriptions.
// It is safe to call more than once.
func (q *Queue) Shutdown() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var running []string
	for _, id := range q.order {
		if q.entries[id].item.State == types.StateDownloading {
			running = append(running, id)
		}
	}
	q.mu.Unlock()

	utils.Debug("Queue: shutting down, pausing %d transfers", len(running))

	var g errgroup.Group
	for _, id := range running {
		g.Go(func() error {
			err := q.Pause(id)
			if err != nil && !errors.Is(err, types.ErrInvalidState) {
				return fmt.Errorf("pause %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	q.cancel()
	q.wg.Wait()
	q.save()

	q.subMu.Lock()
	q.subsDone = true
	for id, ch := range q.subs {
		close(ch)
		delete(q.subs, id)
	}
	q.subMu.Unlock()
	return err
}
