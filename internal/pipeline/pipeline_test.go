package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/PostPilot/internal/database"
	"github.com/TobiSchelling/PostPilot/internal/export"
	"github.com/TobiSchelling/PostPilot/internal/fallback"
	"github.com/TobiSchelling/PostPilot/internal/jobs"
	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/retrieve"
	"github.com/TobiSchelling/PostPilot/internal/storage"
)

type fakeRetriever struct {
	err   error
	calls int
}

func (f *fakeRetriever) FetchContext(_ context.Context, primary string, competitors []string, platform models.Platform) (*retrieve.Bundle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	b := retrieve.EmptyBundle(platform, primary, competitors)
	delete(b.Unavailable, primary)
	b.PrimaryDocuments = []models.ContentDocument{{ID: primary + "-1", OwnerUsername: primary, Text: "hello"}}
	return b, nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	run     func(ctx context.Context, job *models.JobDescriptor, bundle *retrieve.Bundle) (*models.GenerationResult, error)
	order   []string
	bundles []*retrieve.Bundle
}

func (f *fakeGenerator) Run(ctx context.Context, job *models.JobDescriptor, bundle *retrieve.Bundle) (*models.GenerationResult, error) {
	f.mu.Lock()
	f.order = append(f.order, string(job.Platform)+"/"+job.Username)
	f.bundles = append(f.bundles, bundle)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, job, bundle)
	}
	return &models.GenerationResult{
		RunID:        "run-" + job.Username,
		Platform:     job.Platform,
		Username:     job.Username,
		Tier:         models.TierRAG,
		QualityFlags: []models.QualityFlag{},
	}, nil
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

type flakyExporter struct {
	inner    Exporter
	failures int
}

func (f *flakyExporter) Export(ctx context.Context, job *models.JobDescriptor, r *models.GenerationResult) ([]string, error) {
	if f.failures > 0 {
		f.failures--
		return nil, export.ErrExport
	}
	return f.inner.Export(ctx, job, r)
}

type env struct {
	objects *database.ObjectStore
	jobs    *jobs.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	objects := db.Objects()
	return &env{objects: objects, jobs: jobs.NewStore(objects, nil)}
}

func (e *env) declare(t *testing.T, platform models.Platform, user string, competitors ...string) {
	t.Helper()
	_, err := e.jobs.Create(context.Background(), jobs.Declaration{
		Platform:     platform,
		Username:     user,
		PostingStyle: "behind the scenes",
		Competitors:  competitors,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func (e *env) status(t *testing.T, platform models.Platform, user string) *models.JobDescriptor {
	t.Helper()
	job, err := e.jobs.Get(context.Background(), platform, user)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func TestRunCycleEmergencyEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.declare(t, models.PlatformInstagram, "acme", "rival")
	e.declare(t, models.PlatformInstagram, "beta")

	p := New(e.jobs, &fakeRetriever{err: retrieve.ErrRetrievalUnavailable}, fallback.New(nil, nil), export.New(e.objects, nil), Options{}, nil)
	r, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if r.Count(OutcomeProcessed) != 2 {
		t.Fatalf("results = %+v", r.Jobs)
	}
	for _, jr := range r.Jobs {
		if jr.Tier != models.TierRuleBasedEmergency {
			t.Errorf("%s tier = %q", jr.Username, jr.Tier)
		}
	}

	job := e.status(t, models.PlatformInstagram, "acme")
	if job.Status != models.StatusProcessed {
		t.Errorf("acme status = %s", job.Status)
	}
	a, _, err := export.Latest(context.Background(), e.objects,
		storage.ArtifactDir(storage.KindCompetitorAnalysis, models.PlatformInstagram, "acme", "rival"), "analysis")
	if err != nil || a == nil {
		t.Fatalf("competitor artifact: %v %v", a, err)
	}
	if a.Insight.DataAvailable {
		t.Error("rival artifact should be a no-data artifact")
	}
}

func TestRetrievalUnavailableUsesEmptyBundle(t *testing.T) {
	e := newEnv(t)
	e.declare(t, models.PlatformTwitter, "acme", "rival")
	gen := &fakeGenerator{}

	p := New(e.jobs, &fakeRetriever{err: retrieve.ErrRetrievalUnavailable}, gen, export.New(e.objects, nil), Options{}, nil)
	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if gen.calls() != 1 {
		t.Fatalf("generator calls = %d", gen.calls())
	}
	b := gen.bundles[0]
	if b.HasPrimary() || !b.Unavailable["acme"] || !b.Unavailable["rival"] {
		t.Errorf("bundle = %+v, want empty with everyone unavailable", b)
	}
}

func TestJobTimeoutMarksFailed(t *testing.T) {
	e := newEnv(t)
	e.declare(t, models.PlatformInstagram, "slow")
	gen := &fakeGenerator{run: func(ctx context.Context, _ *models.JobDescriptor, _ *retrieve.Bundle) (*models.GenerationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	p := New(e.jobs, &fakeRetriever{}, gen, export.New(e.objects, nil), Options{JobTimeout: 20 * time.Millisecond}, nil)
	r, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if r.Count(OutcomeFailed) != 1 {
		t.Fatalf("results = %+v", r.Jobs)
	}
	job := e.status(t, models.PlatformInstagram, "slow")
	if job.Status != models.StatusFailed || !strings.Contains(job.Detail, "timed out") {
		t.Errorf("job = %s %q", job.Status, job.Detail)
	}
}

func TestExportFailureDefersThenReexports(t *testing.T) {
	e := newEnv(t)
	e.declare(t, models.PlatformInstagram, "acme")
	gen := &fakeGenerator{}
	exporter := &flakyExporter{inner: export.New(e.objects, nil), failures: 1}
	p := New(e.jobs, &fakeRetriever{}, gen, exporter, Options{}, nil)

	r, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}
	if r.Count(OutcomeDeferred) != 1 {
		t.Fatalf("first cycle = %+v", r.Jobs)
	}
	job := e.status(t, models.PlatformInstagram, "acme")
	if job.Status != models.StatusProcessing || job.PendingResult == nil {
		t.Fatalf("job after failed export = %s pending=%v", job.Status, job.PendingResult != nil)
	}

	r, err = p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if r.Count(OutcomeReexported) != 1 {
		t.Fatalf("second cycle = %+v", r.Jobs)
	}
	if gen.calls() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls())
	}
	job = e.status(t, models.PlatformInstagram, "acme")
	if job.Status != models.StatusProcessed || job.PendingResult != nil {
		t.Errorf("job after re-export = %s pending=%v", job.Status, job.PendingResult != nil)
	}
}

func TestPlatformsDrainedInOrder(t *testing.T) {
	e := newEnv(t)
	e.declare(t, models.PlatformTwitter, "t1")
	e.declare(t, models.PlatformInstagram, "i1")
	e.declare(t, models.PlatformTwitter, "t2")
	e.declare(t, models.PlatformInstagram, "i2")
	gen := &fakeGenerator{}

	p := New(e.jobs, &fakeRetriever{}, gen, export.New(e.objects, nil),
		Options{Platforms: []models.Platform{models.PlatformInstagram, models.PlatformTwitter}}, nil)
	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	want := "instagram/i1,instagram/i2,twitter/t1,twitter/t2"
	if got := strings.Join(gen.order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestOnlyConfiguredPlatforms(t *testing.T) {
	e := newEnv(t)
	e.declare(t, models.PlatformTwitter, "t1")
	e.declare(t, models.PlatformInstagram, "i1")
	gen := &fakeGenerator{}

	p := New(e.jobs, &fakeRetriever{}, gen, export.New(e.objects, nil),
		Options{Platforms: []models.Platform{models.PlatformTwitter}}, nil)
	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if gen.calls() != 1 {
		t.Errorf("calls = %d", gen.calls())
	}
	if e.status(t, models.PlatformInstagram, "i1").Status != models.StatusPending {
		t.Error("instagram job should be untouched")
	}
}

func TestStaleJobIsSkipped(t *testing.T) {
	e := newEnv(t)
	e.declare(t, models.PlatformInstagram, "acme")
	ctx := context.Background()

	pending, err := e.jobs.ListPending(ctx, models.PlatformInstagram)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPending: %v %d", err, len(pending))
	}
	other, _ := e.jobs.ListPending(ctx, models.PlatformInstagram)
	if err := e.jobs.MarkProcessing(ctx, other[0]); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	gen := &fakeGenerator{}
	p := New(e.jobs, &fakeRetriever{}, gen, export.New(e.objects, nil), Options{}, nil)
	jr, err := p.ProcessJob(ctx, pending[0])
	if err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	if jr.Outcome != OutcomeSkipped || gen.calls() != 0 {
		t.Errorf("outcome = %s calls = %d", jr.Outcome, gen.calls())
	}
}

func TestDryRunChangesNothing(t *testing.T) {
	e := newEnv(t)
	e.declare(t, models.PlatformInstagram, "acme", "rival")
	gen := &fakeGenerator{}
	p := New(e.jobs, &fakeRetriever{}, gen, export.New(e.objects, nil), Options{}, nil)

	r, err := p.DryRun(context.Background())
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if r.Count(OutcomeDryRun) != 1 || !strings.Contains(r.Jobs[0].Detail, "1 competitors") {
		t.Errorf("dry run = %+v", r.Jobs)
	}
	if gen.calls() != 0 || e.status(t, models.PlatformInstagram, "acme").Status != models.StatusPending {
		t.Error("dry run must not process jobs")
	}
}

type brokenStore struct {
	storage.Store
}

func (brokenStore) List(context.Context, string) ([]string, error) {
	return nil, errors.New("disk unreadable")
}

func TestStorageFailurePropagates(t *testing.T) {
	e := newEnv(t)
	store := jobs.NewStore(brokenStore{Store: e.objects}, nil)
	p := New(store, &fakeRetriever{}, &fakeGenerator{}, export.New(e.objects, nil), Options{}, nil)
	if _, err := p.RunCycle(context.Background()); err == nil {
		t.Fatal("expected storage error")
	}
}
