package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/surgeq/internal/engine/events"
	"github.com/surge-downloader/surgeq/internal/engine/state"
	"github.com/surge-downloader/surgeq/internal/engine/transfer"
	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/storage"
	"github.com/surge-downloader/surgeq/internal/testutil"
)

type harness struct {
	t     *testing.T
	dir   string
	kv    *state.MemoryKV
	store *state.Store
	f     *fakeFactory
	q     *Queue
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newHarness(t *testing.T, maxConcurrency int, f *fakeFactory) *harness {
	t.Helper()
	kv := state.NewMemoryKV()
	h := &harness{
		t:     t,
		dir:   t.TempDir(),
		kv:    kv,
		store: state.NewStore(kv, sequentialIDs("restored")),
		f:     f,
	}
	h.q = h.open(maxConcurrency, f.build)
	return h
}

// open builds a Queue over the harness store, as a fresh process would
func (h *harness) open(maxConcurrency int, factory transfer.Factory) *Queue {
	h.t.Helper()
	resolver := storage.NewResolver(storage.Options{
		PrivateDir: filepath.Join(h.dir, "downloads"),
		ScratchDir: filepath.Join(h.dir, "scratch"),
		FreeSpace:  func(string) (uint64, error) { return 1 << 40, nil },
	})
	q, err := New(context.Background(), Options{
		Store:              h.store,
		Resolver:           resolver,
		Factory:            factory,
		Runtime:            &types.RuntimeConfig{},
		DefaultConcurrency: maxConcurrency,
		NewID:              sequentialIDs(fmt.Sprintf("dl%d", time.Now().UnixNano())),
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = q.Shutdown() })
	return q
}

func (h *harness) enqueue(name string) string {
	h.t.Helper()
	id, err := h.q.Enqueue("https://example.test/files/"+name, name)
	require.NoError(h.t, err)
	return id
}

func waitState(t *testing.T, q *Queue, id string, want types.State) types.DownloadItem {
	t.Helper()
	require.Eventually(t, func() bool {
		it, err := q.Get(id)
		return err == nil && it.State == want
	}, 5*time.Second, 5*time.Millisecond, "item %s never reached %s", id, want)
	it, err := q.Get(id)
	require.NoError(t, err)
	return it
}

func countState(q *Queue, st types.State) int {
	n := 0
	for _, it := range q.List() {
		if it.State == st {
			n++
		}
	}
	return n
}

// checkInvariants asserts the handle and slot bookkeeping agree with item states
func checkInvariants(t *testing.T, q *Queue) {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()

	running := 0
	for id, e := range q.entries {
		assert.Equal(t, e.item.State.HoldsHandle(), e.handle != nil, "handle binding of %s in state %s", id, e.item.State)
		if e.running {
			running++
			assert.Equal(t, types.StateDownloading, e.item.State, "%s holds a slot", id)
		}
		if e.item.ResumeToken != nil {
			assert.Contains(t, []types.State{types.StatePaused, types.StateQueued}, e.item.State, "%s carries a token", id)
		}
		if e.item.State == types.StateQueued {
			assert.Equal(t, e.pending, e.item.ResumeToken, "%s queued token", id)
		}
	}
	assert.Equal(t, running, q.active)
	assert.LessOrEqual(t, q.active, q.cfg.MaxConcurrency)
}

func waitEvent[T any](t *testing.T, ch <-chan interface{}) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				var zero T
				t.Fatalf("event channel closed while waiting for %T", zero)
			}
			if v, ok := msg.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

func TestQueue_CompletesDownload(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, true))
	h.q.Start()

	sub, stop := h.q.Subscribe()
	defer stop()

	id := h.enqueue("report.pdf")
	queued := waitEvent[events.DownloadQueuedMsg](t, sub)
	assert.Equal(t, id, queued.DownloadID)
	started := waitEvent[events.DownloadStartedMsg](t, sub)
	assert.Equal(t, id, started.DownloadID)

	handle := h.f.waitStarted(t)
	handle.progress(t, 400)
	handle.complete(t)

	done := waitEvent[events.DownloadCompleteMsg](t, sub)
	assert.Equal(t, int64(1000), done.Total)

	it := waitState(t, h.q, id, types.StateCompleted)
	assert.Equal(t, int64(1000), it.TotalBytes)
	assert.Equal(t, int64(1000), it.DownloadedBytes)
	assert.Equal(t, "report.pdf", it.DisplayFilename)
	assert.Equal(t, filepath.Join(h.dir, "downloads", "report.pdf"), it.LocalPath)
	assert.Empty(t, it.PartialPath)
	assert.NotNil(t, it.FinishedAt)
	assert.NoError(t, testutil.VerifyFileSize(it.LocalPath, 1000))
	assert.False(t, testutil.FileExists(it.LocalPath+types.IncompleteSuffix))
	checkInvariants(t, h.q)
}

func TestQueue_FIFOPromotion(t *testing.T) {
	h := newHarness(t, 2, newFakeFactory(100, true))
	h.q.Start()

	a := h.enqueue("a.bin")
	b := h.enqueue("b.bin")
	c := h.enqueue("c.bin")

	first := h.f.waitStarted(t)
	second := h.f.waitStarted(t)
	assert.ElementsMatch(t, []string{a, b}, []string{first.req.ID, second.req.ID})
	h.f.expectNoStart(t)

	waitState(t, h.q, a, types.StateDownloading)
	waitState(t, h.q, b, types.StateDownloading)
	waitState(t, h.q, c, types.StateQueued)
	checkInvariants(t, h.q)

	handleA := first
	if first.req.ID != a {
		handleA = second
	}
	handleA.complete(t)

	next := h.f.waitStarted(t)
	assert.Equal(t, c, next.req.ID)
	waitState(t, h.q, a, types.StateCompleted)
	waitState(t, h.q, c, types.StateDownloading)
	checkInvariants(t, h.q)
}

func TestQueue_ConcurrencyNeverExceeded(t *testing.T) {
	const max = 2
	h := newHarness(t, max, newFakeFactory(64, true))
	h.q.Start()

	var ids []string
	for i := 0; i < 7; i++ {
		ids = append(ids, h.enqueue(fmt.Sprintf("file-%d.bin", i)))
	}

	for range ids {
		handle := h.f.waitStarted(t)
		assert.LessOrEqual(t, countState(h.q, types.StateDownloading), max)
		checkInvariants(t, h.q)
		handle.complete(t)
	}

	for _, id := range ids {
		waitState(t, h.q, id, types.StateCompleted)
	}
	checkInvariants(t, h.q)
}

func TestQueue_NotStartedKeepsItemsQueued(t *testing.T) {
	h := newHarness(t, 3, newFakeFactory(10, true))

	id := h.enqueue("idle.bin")
	h.f.expectNoStart(t)
	it, err := h.q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateQueued, it.State)
	assert.Zero(t, h.f.count(id))
}

func TestQueue_EnqueueValidatesURL(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(10, true))

	for _, raw := range []string{"", "ftp://example.test/a", "not a url", "https:///nohost"} {
		_, err := h.q.Enqueue(raw, "")
		assert.Error(t, err, raw)
	}
	assert.Empty(t, h.q.List())
}

func TestQueue_EnqueueDerivesAndSanitizesNames(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(10, true))

	id, err := h.q.Enqueue("https://example.test/files/annual%20report.pdf?x=1", "")
	require.NoError(t, err)
	it, _ := h.q.Get(id)
	assert.Equal(t, "annual report.pdf", it.DisplayFilename)

	id, err = h.q.Enqueue("https://example.test/", "")
	require.NoError(t, err)
	it, _ = h.q.Get(id)
	assert.Equal(t, types.DefaultFilename, it.DisplayFilename)

	id, err = h.q.Enqueue("https://example.test/x", `bad:na"me?.txt`)
	require.NoError(t, err)
	it, _ = h.q.Get(id)
	assert.Equal(t, "badname.txt", it.DisplayFilename)
}

func TestQueue_ServerFilenameNamesTheFile(t *testing.T) {
	f := newFakeFactory(100, true)
	f.filename = "Quarterly Report.pdf"
	h := newHarness(t, 2, f)
	h.q.Start()

	unnamed, err := h.q.Enqueue("https://example.test/download?id=7", "")
	require.NoError(t, err)
	named := h.enqueue("mine.pdf")
	first := h.f.waitStarted(t)
	second := h.f.waitStarted(t)
	first.complete(t)
	second.complete(t)

	it := waitState(t, h.q, unnamed, types.StateCompleted)
	assert.Equal(t, "Quarterly Report.pdf", it.DisplayFilename)
	assert.Equal(t, filepath.Join(h.dir, "downloads", "Quarterly Report.pdf"), it.LocalPath)
	assert.NoError(t, testutil.VerifyFileSize(it.LocalPath, 100))

	it = waitState(t, h.q, named, types.StateCompleted)
	assert.Equal(t, "mine.pdf", it.DisplayFilename)
	assert.Equal(t, "mine.pdf", filepath.Base(it.LocalPath))
}

func TestQueue_PauseAndResumeContinuesFromOffset(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, true))
	h.q.Start()

	id := h.enqueue("report.pdf")
	handle := h.f.waitStarted(t)
	handle.progress(t, 400)

	require.NoError(t, h.q.Pause(id))
	it, _ := h.q.Get(id)
	assert.Equal(t, types.StatePaused, it.State)
	require.NotNil(t, it.ResumeToken)
	assert.Equal(t, int64(400), it.ResumeToken.Offset)
	assert.Equal(t, int64(400), it.DownloadedBytes)
	checkInvariants(t, h.q)

	require.NoError(t, h.q.Resume(id))
	resumed := h.f.waitStarted(t)
	require.NotNil(t, resumed.req.Token)
	assert.Equal(t, int64(400), resumed.req.Token.Offset)

	it, _ = h.q.Get(id)
	assert.Equal(t, types.StateDownloading, it.State)
	assert.Equal(t, int64(400), it.DownloadedBytes)
	assert.Nil(t, it.ResumeToken)

	resumed.complete(t)
	it = waitState(t, h.q, id, types.StateCompleted)
	assert.Equal(t, int64(1000), it.DownloadedBytes)
	assert.NoError(t, testutil.VerifyFileSize(it.LocalPath, 1000))
	assert.Equal(t, 2, h.f.count(id))
}

func TestQueue_PauseReleasesSlotAndResumeRequeues(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, true))
	h.q.Start()

	a := h.enqueue("a.bin")
	b := h.enqueue("b.bin")
	handleA := h.f.waitStarted(t)
	handleA.progress(t, 400)

	require.NoError(t, h.q.Pause(a))
	handleB := h.f.waitStarted(t)
	assert.Equal(t, b, handleB.req.ID)

	// No free slot, so resume puts a back in line with its token
	require.NoError(t, h.q.Resume(a))
	it, _ := h.q.Get(a)
	assert.Equal(t, types.StateQueued, it.State)
	require.NotNil(t, it.ResumeToken)
	assert.Equal(t, int64(400), it.ResumeToken.Offset)
	checkInvariants(t, h.q)

	handleB.complete(t)
	again := h.f.waitStarted(t)
	assert.Equal(t, a, again.req.ID)
	require.NotNil(t, again.req.Token)
	assert.Equal(t, int64(400), again.req.Token.Offset)

	it = waitState(t, h.q, a, types.StateDownloading)
	assert.Equal(t, int64(400), it.DownloadedBytes)
	assert.Nil(t, it.ResumeToken)
	checkInvariants(t, h.q)
}

func TestQueue_QueuedTokenSurvivesRestart(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, true))
	h.q.Start()

	a := h.enqueue("a.bin")
	b := h.enqueue("b.bin")
	handleA := h.f.waitStarted(t)
	handleA.progress(t, 400)
	require.NoError(t, h.q.Pause(a))
	handleB := h.f.waitStarted(t)
	require.Equal(t, b, handleB.req.ID)
	require.NoError(t, h.q.Resume(a))

	saved, err := h.store.LoadItems(context.Background())
	require.NoError(t, err)
	require.Equal(t, a, saved[0].ID)
	assert.Equal(t, types.StateQueued, saved[0].State)
	require.NotNil(t, saved[0].ResumeToken)
	assert.Equal(t, int64(400), saved[0].ResumeToken.Offset)

	require.NoError(t, h.q.Shutdown())

	f2 := newFakeFactory(1000, true)
	h.q = h.open(1, f2.build)
	it, err := h.q.Get(a)
	require.NoError(t, err)
	assert.Equal(t, types.StateQueued, it.State)
	checkInvariants(t, h.q)

	h.q.Start()
	again := f2.waitStarted(t)
	assert.Equal(t, a, again.req.ID)
	require.NotNil(t, again.req.Token)
	assert.Equal(t, int64(400), again.req.Token.Offset)

	it = waitState(t, h.q, a, types.StateDownloading)
	assert.Equal(t, int64(400), it.DownloadedBytes)
	again.complete(t)
	done := waitState(t, h.q, a, types.StateCompleted)
	assert.NoError(t, testutil.VerifyFileSize(done.LocalPath, 1000))
	checkInvariants(t, h.q)
}

func TestQueue_PauseRequiresDownloading(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, true))
	h.q.Start()

	a := h.enqueue("a.bin")
	b := h.enqueue("b.bin")
	h.f.waitStarted(t)

	err := h.q.Pause(b)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	require.NoError(t, h.q.Pause(a))
	before := h.q.List()

	err = h.q.Pause(a)
	assert.ErrorIs(t, err, types.ErrInvalidState)
	var se *types.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.StatePaused, se.State)

	// The failed call changed nothing but b's promotion into the freed slot
	waitState(t, h.q, b, types.StateDownloading)
	it, _ := h.q.Get(a)
	assert.Equal(t, before[0].DownloadedBytes, it.DownloadedBytes)
	assert.Equal(t, types.StatePaused, it.State)

	assert.ErrorIs(t, h.q.Resume(b), types.ErrInvalidState)
	assert.ErrorIs(t, h.q.Pause("nope"), types.ErrNotFound)
	checkInvariants(t, h.q)
}

func TestQueue_PauseRacingCompletion(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(500, true))
	h.q.Start()

	id := h.enqueue("race.bin")
	handle := h.f.waitStarted(t)
	handle.complete(t)

	err := h.q.Pause(id)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	it := waitState(t, h.q, id, types.StateCompleted)
	assert.Equal(t, int64(500), it.DownloadedBytes)
	checkInvariants(t, h.q)
}

func TestQueue_ResumeWithoutRangesRestarts(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, false))
	h.q.Start()

	sub, stop := h.q.Subscribe()
	defer stop()

	id := h.enqueue("stream.bin")
	handle := h.f.waitStarted(t)
	handle.progress(t, 300)

	require.NoError(t, h.q.Pause(id))
	paused := waitEvent[events.DownloadPausedMsg](t, sub)
	assert.False(t, paused.Resumable)

	it, _ := h.q.Get(id)
	assert.Equal(t, types.StatePaused, it.State)
	assert.Nil(t, it.ResumeToken)

	require.NoError(t, h.q.Resume(id))
	resumed := waitEvent[events.DownloadResumedMsg](t, sub)
	assert.True(t, resumed.Restarted)
	assert.Zero(t, resumed.FromOffset)

	again := h.f.waitStarted(t)
	assert.Nil(t, again.req.Token)
	it, _ = h.q.Get(id)
	assert.Zero(t, it.DownloadedBytes)

	again.complete(t)
	it = waitState(t, h.q, id, types.StateCompleted)
	assert.NoError(t, testutil.VerifyFileSize(it.LocalPath, 1000))
}

func TestQueue_CancelQueuedItem(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, true))
	h.q.Start()

	a := h.enqueue("a.bin")
	b := h.enqueue("b.bin")
	h.f.waitStarted(t)

	h.q.mu.Lock()
	activeBefore := h.q.active
	h.q.mu.Unlock()

	require.NoError(t, h.q.Cancel(b))
	it, _ := h.q.Get(b)
	assert.Equal(t, types.StateCancelled, it.State)
	assert.Empty(t, it.LocalPath)
	assert.NotNil(t, it.FinishedAt)
	assert.Zero(t, h.f.count(b))
	assert.False(t, testutil.FileExists(filepath.Join(h.dir, "downloads", "b.bin")))
	assert.False(t, testutil.FileExists(filepath.Join(h.dir, "downloads", "b.bin"+types.IncompleteSuffix)))

	h.q.mu.Lock()
	assert.Equal(t, activeBefore, h.q.active)
	h.q.mu.Unlock()

	waitState(t, h.q, a, types.StateDownloading)
	assert.ErrorIs(t, h.q.Cancel(b), types.ErrInvalidState)
	checkInvariants(t, h.q)
}

func TestQueue_CancelDownloadingDeletesPartial(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, true))
	h.q.Start()

	sub, stop := h.q.Subscribe()
	defer stop()

	a := h.enqueue("a.bin")
	b := h.enqueue("b.bin")
	handle := h.f.waitStarted(t)
	handle.progress(t, 250)

	it, _ := h.q.Get(a)
	partial := it.PartialPath
	require.True(t, testutil.FileExists(partial))

	require.NoError(t, h.q.Cancel(a))
	cancelled := waitEvent[events.DownloadCancelledMsg](t, sub)
	assert.Equal(t, a, cancelled.DownloadID)

	it, _ = h.q.Get(a)
	assert.Equal(t, types.StateCancelled, it.State)
	assert.False(t, testutil.FileExists(partial))

	next := h.f.waitStarted(t)
	assert.Equal(t, b, next.req.ID)
	checkInvariants(t, h.q)
}

func TestQueue_CancelPausedItem(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, true))
	h.q.Start()

	id := h.enqueue("a.bin")
	handle := h.f.waitStarted(t)
	handle.progress(t, 100)
	require.NoError(t, h.q.Pause(id))

	it, _ := h.q.Get(id)
	partial := it.PartialPath
	require.NoError(t, h.q.Cancel(id))

	it, _ = h.q.Get(id)
	assert.Equal(t, types.StateCancelled, it.State)
	assert.Nil(t, it.ResumeToken)
	assert.False(t, testutil.FileExists(partial))
	checkInvariants(t, h.q)
}

func TestQueue_TransferFailureFreesSlot(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, true))
	h.q.Start()

	a := h.enqueue("a.bin")
	b := h.enqueue("b.bin")
	handle := h.f.waitStarted(t)
	handle.progress(t, 10)
	handle.fail(types.TransferError(errors.New("HTTP 503")))

	it := waitState(t, h.q, a, types.StateFailed)
	assert.Contains(t, it.LastError, "HTTP 503")
	assert.Empty(t, it.LocalPath)
	assert.NotNil(t, it.FinishedAt)

	next := h.f.waitStarted(t)
	assert.Equal(t, b, next.req.ID)
	checkInvariants(t, h.q)
}

func TestQueue_Retry(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(100, true))
	h.q.Start()

	a := h.enqueue("a.bin")
	h.f.waitStarted(t).fail(types.TransferError(errors.New("reset")))
	waitState(t, h.q, a, types.StateFailed)

	retried, err := h.q.Retry(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, retried)

	handle := h.f.waitStarted(t)
	assert.Equal(t, retried, handle.req.ID)

	orig, _ := h.q.Get(a)
	fresh, _ := h.q.Get(retried)
	assert.Equal(t, orig.SourceURL, fresh.SourceURL)
	assert.Equal(t, orig.DisplayFilename, fresh.DisplayFilename)
	assert.Equal(t, types.StateFailed, orig.State)

	_, err = h.q.Retry(retried)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestQueue_RemoveTerminalOnly(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(100, true))
	h.q.Start()

	sub, stop := h.q.Subscribe()
	defer stop()

	id := h.enqueue("keep.bin")
	handle := h.f.waitStarted(t)
	assert.ErrorIs(t, h.q.Remove(id), types.ErrInvalidState)

	handle.complete(t)
	it := waitState(t, h.q, id, types.StateCompleted)
	require.True(t, testutil.FileExists(it.LocalPath))

	require.NoError(t, h.q.Remove(id))
	removed := waitEvent[events.DownloadRemovedMsg](t, sub)
	assert.Equal(t, id, removed.DownloadID)

	assert.False(t, testutil.FileExists(it.LocalPath))
	_, err := h.q.Get(id)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, h.q.List())

	items, err := h.store.LoadItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueue_SameNameGetsDistinctPaths(t *testing.T) {
	h := newHarness(t, 2, newFakeFactory(50, true))
	h.q.Start()

	a := h.enqueue("dup.bin")
	b := h.enqueue("dup.bin")
	ha := h.f.waitStarted(t)
	hb := h.f.waitStarted(t)

	ia, _ := h.q.Get(a)
	ib, _ := h.q.Get(b)
	assert.NotEqual(t, ia.LocalPath, ib.LocalPath)
	assert.NotEqual(t, ia.PartialPath, ib.PartialPath)

	ha.complete(t)
	hb.complete(t)
	ia = waitState(t, h.q, a, types.StateCompleted)
	ib = waitState(t, h.q, b, types.StateCompleted)
	assert.True(t, testutil.FileExists(ia.LocalPath))
	assert.True(t, testutil.FileExists(ib.LocalPath))
	assert.Len(t, testutil.ListFiles(t, filepath.Join(h.dir, "downloads")), 2)
}

func TestQueue_SetMaxConcurrency(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(10, true))
	h.q.Start()

	ids := []string{h.enqueue("a.bin"), h.enqueue("b.bin"), h.enqueue("c.bin"), h.enqueue("d.bin")}
	first := h.f.waitStarted(t)
	assert.Equal(t, ids[0], first.req.ID)

	assert.ErrorIs(t, h.q.SetMaxConcurrency(0), types.ErrInvalidConcurrency)

	require.NoError(t, h.q.SetMaxConcurrency(2))
	second := h.f.waitStarted(t)
	assert.Equal(t, ids[1], second.req.ID)
	assert.Equal(t, 2, h.q.Config().MaxConcurrency)

	// Lowering the limit never preempts
	require.NoError(t, h.q.SetMaxConcurrency(1))
	assert.Equal(t, 2, countState(h.q, types.StateDownloading))

	first.complete(t)
	waitState(t, h.q, ids[0], types.StateCompleted)
	h.f.expectNoStart(t)
	assert.Equal(t, 1, countState(h.q, types.StateDownloading))

	second.complete(t)
	third := h.f.waitStarted(t)
	assert.Equal(t, ids[2], third.req.ID)

	cfg, ok, err := h.store.LoadConfig(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, cfg.MaxConcurrency)
	checkInvariants(t, h.q)
}

func TestQueue_RecoversAfterRestart(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(1000, true))
	h.q.Start()

	a := h.enqueue("a.bin")
	b := h.enqueue("b.bin")
	handle := h.f.waitStarted(t)
	handle.progress(t, 500)

	// Make the persisted record look like the process died mid-transfer
	h.q.save()
	items, err := h.store.LoadItems(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.StateDownloading, items[0].State)

	f2 := newFakeFactory(1000, true)
	h.q = h.open(2, f2.build)

	it, err := h.q.Get(a)
	require.NoError(t, err)
	assert.Equal(t, types.StatePaused, it.State)
	assert.Nil(t, it.ResumeToken)
	assert.Equal(t, int64(500), it.DownloadedBytes)
	assert.NotEmpty(t, it.PartialPath)

	it, _ = h.q.Get(b)
	assert.Equal(t, types.StateQueued, it.State)
	checkInvariants(t, h.q)

	saved, err := h.store.LoadItems(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatePaused, saved[0].State)

	// b takes the first slot; resuming a without a token is a visible restart
	sub, stop := h.q.Subscribe()
	defer stop()
	h.q.Start()
	other := f2.waitStarted(t)
	assert.Equal(t, b, other.req.ID)

	require.NoError(t, h.q.Resume(a))
	resumed := waitEvent[events.DownloadResumedMsg](t, sub)
	assert.Equal(t, a, resumed.DownloadID)
	assert.True(t, resumed.Restarted)
	assert.Equal(t, int64(0), resumed.FromOffset)

	restarted := f2.waitStarted(t)
	assert.Equal(t, a, restarted.req.ID)
	assert.Nil(t, restarted.req.Token)
	restarted.complete(t)
	done := waitState(t, h.q, a, types.StateCompleted)
	assert.NoError(t, testutil.VerifyFileSize(done.LocalPath, 1000))
}

func TestQueue_ShutdownPersistsPausedWithToken(t *testing.T) {
	h := newHarness(t, 2, newFakeFactory(1000, true))
	h.q.Start()

	a := h.enqueue("a.bin")
	b := h.enqueue("b.bin")
	first := h.f.waitStarted(t)
	second := h.f.waitStarted(t)
	first.progress(t, 400)
	second.progress(t, 200)

	sub, _ := h.q.Subscribe()
	require.NoError(t, h.q.Shutdown())
	require.NoError(t, h.q.Shutdown())

	for range sub {
	}
	_, err := h.q.Enqueue("https://example.test/late.bin", "")
	assert.ErrorIs(t, err, ErrClosed)

	h.q = h.open(2, newFakeFactory(1000, true).build)
	for _, id := range []string{a, b} {
		it, err := h.q.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.StatePaused, it.State)
		require.NotNil(t, it.ResumeToken, id)
		assert.Equal(t, it.DownloadedBytes, it.ResumeToken.Offset)
	}
	checkInvariants(t, h.q)
}

func TestQueue_SubscribeAfterShutdownIsClosed(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(10, true))
	require.NoError(t, h.q.Shutdown())

	ch, stop := h.q.Subscribe()
	defer stop()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestQueue_SubscribeRacingShutdownIsClosed(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, 1, newFakeFactory(10, true))

		subs := make(chan (<-chan interface{}), 1)
		go func() {
			ch, _ := h.q.Subscribe()
			subs <- ch
		}()
		require.NoError(t, h.q.Shutdown())

		ch := <-subs
		timeout := time.After(5 * time.Second)
	drain:
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					break drain
				}
			case <-timeout:
				t.Fatalf("iteration %d: subscriber never closed", i)
			}
		}
	}
}

func TestQueue_Folder(t *testing.T) {
	h := newHarness(t, 1, newFakeFactory(10, true))

	target := filepath.Join(h.dir, "picked")
	require.NoError(t, os.MkdirAll(target, 0o755))

	_, err := h.q.SelectFolder(context.Background(), storage.StaticPicker{})
	assert.ErrorIs(t, err, types.ErrSelectionCancelled)
	assert.Empty(t, h.q.Folder())

	root, err := h.q.SelectFolder(context.Background(), storage.StaticPicker{Path: target})
	require.NoError(t, err)
	assert.Equal(t, root, h.q.Folder())

	id := h.enqueue("into-folder.bin")
	it, _ := h.q.Get(id)
	assert.Equal(t, root, it.RootURI)

	saved, err := h.store.LoadFolder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, root, saved)

	require.NoError(t, h.q.ClearFolder())
	assert.Empty(t, h.q.Folder())
	saved, _ = h.store.LoadFolder(context.Background())
	assert.Empty(t, saved)
}

func TestQueue_EndToEndWithHTTP(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(256*1024),
		testutil.WithETag(`"v1"`),
		testutil.WithHoldAfterBytes(64*1024),
	)

	h := &harness{t: t, dir: t.TempDir(), kv: state.NewMemoryKV()}
	h.store = state.NewStore(h.kv, sequentialIDs("restored"))
	h.q = h.open(1, transfer.NewFactory(nil, &types.RuntimeConfig{}))
	h.q.Start()

	id, err := h.q.Enqueue(server.URL()+"/files/data.bin", "")
	require.NoError(t, err)

	select {
	case <-server.Held():
	case <-time.After(5 * time.Second):
		t.Fatal("server never reached the hold point")
	}
	require.Eventually(t, func() bool {
		it, _ := h.q.Get(id)
		return it.DownloadedBytes > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.q.Pause(id))
	it, _ := h.q.Get(id)
	require.Equal(t, types.StatePaused, it.State)
	require.NotNil(t, it.ResumeToken)
	assert.Equal(t, `"v1"`, it.ResumeToken.ETag)

	server.Release()
	require.NoError(t, h.q.Resume(id))

	it = waitState(t, h.q, id, types.StateCompleted)
	assert.Equal(t, int64(256*1024), it.DownloadedBytes)
	assert.Equal(t, int64(256*1024), it.TotalBytes)
	assert.Equal(t, "testfile.bin", it.DisplayFilename, "the server's name wins over the URL's")
	assert.Equal(t, it.DisplayFilename, filepath.Base(it.LocalPath))
	assert.NoError(t, testutil.VerifyFileContent(it.LocalPath, server.Data()))
	assert.GreaterOrEqual(t, server.Stats().RangeRequests, int64(1))
	checkInvariants(t, h.q)
}
