package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"scoutrag/backend/features/document"
	"scoutrag/backend/features/job"
	"scoutrag/backend/internal/config"
	"scoutrag/backend/internal/crawler"
	"scoutrag/backend/internal/indexer"
	"scoutrag/backend/internal/text"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const seed = "https://example.org/"

type harness struct {
	repo      *memRepo
	crawler   *fakeCrawler
	extractor *fakeExtractor
	indexer   *fakeIndexer
	docs      *fakeDocuments
	orch      *job.Orchestrator
}

func newHarness(t *testing.T, resources []crawler.Resource) *harness {
	t.Helper()
	chunker, err := text.NewChunker(100, 20, 10)
	require.NoError(t, err)

	h := &harness{
		repo:      newMemRepo(),
		crawler:   &fakeCrawler{resources: resources},
		extractor: &fakeExtractor{texts: map[string]string{}, errs: map[string]error{}},
		indexer:   &fakeIndexer{},
		docs:      &fakeDocuments{},
	}
	h.orch = job.NewOrchestrator(h.repo, job.Pipeline{
		Crawler:   h.crawler,
		Extractor: h.extractor,
		Chunker:   chunker,
		Indexer:   h.indexer,
		Documents: h.docs,
	}, nil, nil, job.OrchestratorConfig{
		SeedURL:        seed,
		Workers:        2,
		EmbeddingModel: "nomic-embed-text",
		Dimension:      768,
	}, nil)
	return h
}

// wait blocks until the job is terminal and the running slot is free.
func (h *harness) wait(t *testing.T, id string) *job.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := h.repo.Get(context.Background(), id)
		return err == nil && j.Terminal() && !h.orch.Running()
	}, 5*time.Second, 5*time.Millisecond)
	j, _ := h.repo.Get(context.Background(), id)
	return j
}

func res(url string, depth int, ct crawler.ContentType) crawler.Resource {
	return crawler.Resource{URL: url, Key: url, Depth: depth, ContentType: ct, StatusCode: 200}
}

func siteResources() []crawler.Resource {
	return []crawler.Resource{
		res(seed, 0, crawler.ContentHTML),
		res(seed+"guide.pdf", 1, crawler.ContentPDF),
		res(seed+"badge.png", 1, crawler.ContentImage),
		res(seed+"feed.bin", 1, crawler.ContentOther),
	}
}

func TestOrchestrator_CompletesSite(t *testing.T) {
	h := newHarness(t, siteResources())
	h.extractor.texts[seed] = "Welcome to Scouts. Be prepared is the motto."
	h.extractor.texts[seed+"guide.pdf"] = "Camp safety guide for leaders."
	h.extractor.texts[seed+"badge.png"] = "Badge requirements"

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, started.Status)
	assert.NotNil(t, started.StartTime)

	j := h.wait(t, started.ID)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 4, j.URLsProcessed)
	assert.Equal(t, 3, j.DocumentsProcessed)
	assert.Equal(t, 0, j.ErrorsCount)
	assert.Empty(t, j.ErrorMessage)
	assert.NotNil(t, j.EndTime)

	assert.Equal(t, 3, h.indexer.calls())
	for _, u := range []string{seed, seed + "guide.pdf", seed + "badge.png"} {
		d := h.docs.get(u)
		require.NotNil(t, d, u)
		assert.Equal(t, document.StatusIndexed, d.Status)
		assert.Equal(t, started.ID, d.JobID)
	}
	assert.Nil(t, h.docs.get(seed+"feed.bin"))
}

func TestOrchestrator_RejectsConcurrentTrigger(t *testing.T) {
	h := newHarness(t, siteResources())
	h.crawler.gate = make(chan struct{})

	first, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)

	second, err := h.orch.Trigger(context.Background(), job.TriggerScheduled)
	assert.ErrorIs(t, err, job.ErrJobAlreadyRunning)
	assert.Nil(t, second)
	assert.Equal(t, 1, h.repo.count(), "a rejected trigger creates no job")

	close(h.crawler.gate)
	h.wait(t, first.ID)

	third, err := h.orch.Trigger(context.Background(), job.TriggerRemote)
	require.NoError(t, err)
	h.wait(t, third.ID)
	assert.Equal(t, 2, h.repo.count())
}

func TestOrchestrator_RunningElsewhereLeavesNoRecord(t *testing.T) {
	h := newHarness(t, siteResources())
	h.repo.seedRunning("other-process")

	j, err := h.orch.Trigger(context.Background(), job.TriggerRemote)
	assert.ErrorIs(t, err, job.ErrJobAlreadyRunning)
	assert.Nil(t, j)
	assert.False(t, h.orch.Running())
	assert.Equal(t, 1, h.repo.count(), "only the other process's job remains")
	assert.Equal(t, 0, h.indexer.calls())
}

func TestOrchestrator_ConcurrentTriggersAdmitOne(t *testing.T) {
	h := newHarness(t, siteResources())
	h.crawler.gate = make(chan struct{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var admitted []string
	rejected := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := h.orch.Trigger(context.Background(), job.TriggerManual)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected++
				return
			}
			admitted = append(admitted, j.ID)
		}()
	}
	wg.Wait()

	require.Len(t, admitted, 1)
	assert.Equal(t, 9, rejected)
	close(h.crawler.gate)
	h.wait(t, admitted[0])
}

func TestOrchestrator_ToleratesExtractionFailure(t *testing.T) {
	h := newHarness(t, siteResources())
	h.extractor.texts[seed] = "Home page text"
	h.extractor.errs[seed+"guide.pdf"] = errors.New("malformed content: xref table broken")
	h.extractor.texts[seed+"badge.png"] = ""

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)
	j := h.wait(t, started.ID)

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 3, j.DocumentsProcessed)
	assert.Equal(t, 1, j.ErrorsCount)
	assert.Equal(t, document.StatusFailed, h.docs.get(seed+"guide.pdf").Status)
	assert.Equal(t, document.StatusEmpty, h.docs.get(seed+"badge.png").Status)
}

func TestOrchestrator_PartialIndexing(t *testing.T) {
	h := newHarness(t, []crawler.Resource{res(seed, 0, crawler.ContentHTML)})
	h.extractor.texts[seed] = "Some text about camping and hiking with plenty of words."
	h.indexer.partial = map[string]int{seed: 1}

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)
	j := h.wait(t, started.ID)

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 1, j.ErrorsCount)
	assert.Equal(t, document.StatusPartial, h.docs.get(seed).Status)
}

func TestOrchestrator_FetchFailureCounted(t *testing.T) {
	failed := res(seed+"missing.pdf", 1, crawler.ContentPDF)
	failed.Err = errors.New("fetch: 404 Not Found")
	h := newHarness(t, []crawler.Resource{res(seed, 0, crawler.ContentHTML), failed})
	h.extractor.texts[seed] = "Home"

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)
	j := h.wait(t, started.ID)

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 2, j.URLsProcessed)
	assert.Equal(t, 2, j.DocumentsProcessed)
	assert.Equal(t, 1, j.ErrorsCount)
}

func TestOrchestrator_VectorStoreUnreachable(t *testing.T) {
	h := newHarness(t, siteResources())
	h.indexer.preflightErr = fmt.Errorf("%w: dial tcp 10.0.0.5:8080: connection refused", indexer.ErrStoreUnavailable)

	started, err := h.orch.Trigger(context.Background(), job.TriggerScheduled)
	require.NoError(t, err)
	j := h.wait(t, started.ID)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "vector store unreachable")
	assert.Equal(t, 0, h.indexer.calls())
	assert.Equal(t, 0, j.URLsProcessed)
}

func TestOrchestrator_EmbeddingSpaceChanged(t *testing.T) {
	h := newHarness(t, siteResources())
	h.docs.spaceErr = document.ErrEmbeddingSpaceChanged

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)
	j := h.wait(t, started.ID)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "embedding space")
	assert.Equal(t, 0, h.indexer.calls())
}

func TestOrchestrator_SeedUnreachable(t *testing.T) {
	failedSeed := res(seed, 0, crawler.ContentOther)
	failedSeed.Err = errors.New("dial tcp: lookup example.org: no such host")
	h := newHarness(t, []crawler.Resource{failedSeed})

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)
	j := h.wait(t, started.ID)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "crawl target unreachable")
	assert.Contains(t, j.ErrorMessage, "no such host")
}

func TestOrchestrator_FatalIndexerError(t *testing.T) {
	h := newHarness(t, siteResources())
	h.extractor.texts[seed] = "Home"
	h.indexer.fatal = map[string]error{seed: fmt.Errorf("%w: upsert refused", indexer.ErrStoreUnavailable)}

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)
	j := h.wait(t, started.ID)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "vector store unavailable")
}

func TestOrchestrator_Cancel(t *testing.T) {
	h := newHarness(t, siteResources())
	h.crawler.gate = make(chan struct{})

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)

	require.NoError(t, h.orch.Cancel(context.Background(), started.ID))
	j := h.wait(t, started.ID)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, "cancelled", j.ErrorMessage)

	err = h.orch.Cancel(context.Background(), started.ID)
	assert.ErrorIs(t, err, job.ErrJobFinished)

	err = h.orch.Cancel(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestOrchestrator_Shutdown(t *testing.T) {
	h := newHarness(t, siteResources())
	h.crawler.gate = make(chan struct{})

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	j, err := h.repo.Get(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "cancelled")

	assert.NoError(t, h.orch.Shutdown(ctx), "nothing to stop")
}

func TestOrchestrator_JobOutlivesTriggerContext(t *testing.T) {
	h := newHarness(t, siteResources())
	h.crawler.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	started, err := h.orch.Trigger(ctx, job.TriggerManual)
	require.NoError(t, err)
	cancel()

	close(h.crawler.gate)
	j := h.wait(t, started.ID)
	assert.Equal(t, job.StatusCompleted, j.Status)
}

func TestOrchestrator_TryExclusive(t *testing.T) {
	h := newHarness(t, siteResources())
	h.crawler.gate = make(chan struct{})

	called := false
	ok, err := h.orch.TryExclusive(func() error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, called)

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)

	called = false
	ok, _ = h.orch.TryExclusive(func() error { called = true; return nil })
	assert.False(t, ok)
	assert.False(t, called)

	close(h.crawler.gate)
	h.wait(t, started.ID)
}

func TestOrchestrator_GetReturnsLiveProgress(t *testing.T) {
	h := newHarness(t, siteResources())
	h.crawler.gate = make(chan struct{})

	started, err := h.orch.Trigger(context.Background(), job.TriggerManual)
	require.NoError(t, err)

	live, err := h.orch.Get(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, live.Status)

	close(h.crawler.gate)
	h.wait(t, started.ID)

	done, err := h.orch.Get(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, done.Status)

	_, err = h.orch.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestOrchestrator_RecoverInterrupted(t *testing.T) {
	h := newHarness(t, nil)
	stale := &job.Job{ID: "stale", Status: job.StatusPending, Trigger: job.TriggerScheduled}
	require.NoError(t, h.repo.Create(context.Background(), stale))
	require.NoError(t, h.repo.Start(context.Background(), "stale", time.Now()))

	require.NoError(t, h.orch.RecoverInterrupted(context.Background()))

	j, err := h.repo.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, "interrupted: process restarted", j.ErrorMessage)
}

func TestOrchestrator_PublishesLifecycleEvents(t *testing.T) {
	chunker, err := text.NewChunker(100, 20, 10)
	require.NoError(t, err)
	repo := newMemRepo()
	pub := new(MockPublisher)

	var mu sync.Mutex
	var types []string
	pub.On("Publish", config.TopicJobEvents, mock.Anything).Run(func(args mock.Arguments) {
		var ev job.Event
		assert.NoError(t, json.Unmarshal(args.Get(1).([]byte), &ev))
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	}).Return(nil)

	orch := job.NewOrchestrator(repo, job.Pipeline{
		Crawler:   &fakeCrawler{resources: []crawler.Resource{res(seed, 0, crawler.ContentHTML)}},
		Extractor: &fakeExtractor{texts: map[string]string{seed: "hello"}},
		Chunker:   chunker,
		Indexer:   &fakeIndexer{},
		Documents: &fakeDocuments{},
	}, pub, nil, job.OrchestratorConfig{SeedURL: seed, Workers: 1}, nil)

	started, err := orch.Trigger(context.Background(), job.TriggerRemote)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 2
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{job.EventStarted, job.EventCompleted}, types)
	mu.Unlock()

	j, err := repo.Get(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, job.TriggerRemote, j.Trigger)
}
