package job_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"scoutrag/backend/features/document"
	"scoutrag/backend/features/job"
	"scoutrag/backend/internal/crawler"
	"scoutrag/backend/internal/extract"
	"scoutrag/backend/internal/indexer"
	"scoutrag/backend/internal/text"

	"github.com/stretchr/testify/mock"
)

// memRepo mirrors the Postgres guards: one running row, terminal rows frozen.
type memRepo struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: make(map[string]*job.Job)}
}

func (r *memRepo) Create(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.CreatedAt = time.Now()
	c := *j
	r.jobs[j.ID] = &c
	return nil
}

func (r *memRepo) Start(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Status == job.StatusRunning {
			return job.ErrJobAlreadyRunning
		}
	}
	j := r.jobs[id]
	if j.Status != job.StatusPending {
		return job.ErrJobFinished
	}
	j.Status = job.StatusRunning
	j.StartTime = &at
	return nil
}

func (r *memRepo) UpdateProgress(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.jobs[j.ID]
	if stored.Status != job.StatusRunning {
		return job.ErrJobFinished
	}
	stored.URLsProcessed = max(stored.URLsProcessed, j.URLsProcessed)
	stored.DocumentsProcessed = max(stored.DocumentsProcessed, j.DocumentsProcessed)
	stored.ErrorsCount = max(stored.ErrorsCount, j.ErrorsCount)
	return nil
}

func (r *memRepo) Finish(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.jobs[j.ID]
	if stored.Terminal() {
		return job.ErrJobFinished
	}
	stored.Status = j.Status
	stored.EndTime = j.EndTime
	stored.URLsProcessed = j.URLsProcessed
	stored.DocumentsProcessed = j.DocumentsProcessed
	stored.ErrorsCount = j.ErrorsCount
	stored.ErrorMessage = j.ErrorMessage
	return nil
}

func (r *memRepo) Discard(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != job.StatusPending {
		return job.ErrJobFinished
	}
	delete(r.jobs, id)
	return nil
}

// seedRunning stores a running job as another process would.
func (r *memRepo) seedRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.jobs[id] = &job.Job{ID: id, Status: job.StatusRunning, Trigger: job.TriggerScheduled, StartTime: &now, CreatedAt: now}
}

func (r *memRepo) Get(ctx context.Context, id string) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	c := *j
	return &c, nil
}

func (r *memRepo) List(ctx context.Context, limit int) ([]job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []job.Job
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) FailRunning(ctx context.Context, message string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if !j.Terminal() {
			j.Status = job.StatusFailed
			j.ErrorMessage = message
			j.EndTime = &at
			n++
		}
	}
	return n, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// fakeCrawler emits resources once gate is closed (or immediately if nil).
type fakeCrawler struct {
	resources []crawler.Resource
	gate      chan struct{}
	err       error
}

func (c *fakeCrawler) Crawl(ctx context.Context, seed string) (<-chan crawler.Resource, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make(chan crawler.Resource)
	go func() {
		defer close(out)
		if c.gate != nil {
			select {
			case <-c.gate:
			case <-ctx.Done():
				return
			}
		}
		for _, r := range c.resources {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type fakeExtractor struct {
	texts map[string]string
	errs  map[string]error
}

func (e *fakeExtractor) Extract(ctx context.Context, res crawler.Resource) extract.Document {
	return extract.Document{
		SourceURL:   res.URL,
		ContentType: res.ContentType,
		Text:        e.texts[res.URL],
		Pages:       1,
		ExtractedAt: time.Now(),
		Err:         e.errs[res.URL],
	}
}

type fakeIndexer struct {
	mu           sync.Mutex
	preflightErr error
	fatal        map[string]error
	partial      map[string]int
	indexed      map[string]int
}

func (ix *fakeIndexer) Preflight(ctx context.Context) error { return ix.preflightErr }

func (ix *fakeIndexer) Index(ctx context.Context, url, contentType string, chunks []text.Chunk) (indexer.Result, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.fatal[url]; err != nil {
		return indexer.Result{}, err
	}
	if ix.indexed == nil {
		ix.indexed = make(map[string]int)
	}
	failed := ix.partial[url]
	res := indexer.Result{Indexed: len(chunks) - failed, Failed: failed}
	for i := 0; i < failed; i++ {
		res.Errors = append(res.Errors, errors.New("embed failed"))
	}
	ix.indexed[url] = res.Indexed
	return res, nil
}

func (ix *fakeIndexer) calls() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.indexed)
}

type fakeDocuments struct {
	mu       sync.Mutex
	docs     map[string]*document.Document
	spaceErr error
}

func (d *fakeDocuments) Record(ctx context.Context, doc *document.Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.docs == nil {
		d.docs = make(map[string]*document.Document)
	}
	d.docs[doc.URL] = doc
	return nil
}

func (d *fakeDocuments) CheckEmbeddingSpace(ctx context.Context, model string, dimension int) error {
	return d.spaceErr
}

func (d *fakeDocuments) get(url string) *document.Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.docs[url]
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

type MockService struct {
	mock.Mock
}

func (m *MockService) Trigger(ctx context.Context, trigger job.Trigger) (*job.Job, error) {
	args := m.Called(ctx, trigger)
	if v := args.Get(0); v != nil {
		return v.(*job.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) List(ctx context.Context) ([]job.Job, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]job.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) Get(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*job.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) Cancel(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
