package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/TobiSchelling/PostPilot/internal/database"
	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/storage"
)

func openTestStore(t *testing.T) (*Store, *database.ObjectStore) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	objects := db.Objects()
	s := NewStore(objects, nil)
	clock := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return s, objects
}

func declare(t *testing.T, s *Store, platform models.Platform, user string, competitors ...string) *models.JobDescriptor {
	t.Helper()
	job, err := s.Create(context.Background(), Declaration{
		Platform:     platform,
		Username:     user,
		AccountType:  models.AccountBranding,
		PostingStyle: "playful product photos",
		Competitors:  competitors,
	})
	if err != nil {
		t.Fatalf("Create %s/%s: %v", platform, user, err)
	}
	return job
}

func TestListPendingOldestFirst(t *testing.T) {
	s, _ := openTestStore(t)
	declare(t, s, models.PlatformInstagram, "zeta")
	declare(t, s, models.PlatformInstagram, "acme")
	declare(t, s, models.PlatformInstagram, "mid")

	pending, err := s.ListPending(context.Background(), models.PlatformInstagram)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	var got []string
	for _, j := range pending {
		got = append(got, j.Username)
	}
	want := []string{"zeta", "acme", "mid"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestMarkProcessingClaimsOnce(t *testing.T) {
	s, _ := openTestStore(t)
	declare(t, s, models.PlatformInstagram, "acme")
	ctx := context.Background()

	// Two pollers list the same job.
	a, _ := s.ListPending(ctx, models.PlatformInstagram)
	b, _ := s.ListPending(ctx, models.PlatformInstagram)

	if err := s.MarkProcessing(ctx, a[0]); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if a[0].Status != models.StatusProcessing {
		t.Errorf("claimed job status = %s", a[0].Status)
	}
	if err := s.MarkProcessing(ctx, b[0]); !errors.Is(err, ErrConflict) {
		t.Fatalf("second claim: expected ErrConflict, got %v", err)
	}
	if err := s.MarkProcessing(ctx, a[0]); !errors.Is(err, ErrConflict) {
		t.Fatalf("re-claim: expected ErrConflict, got %v", err)
	}

	pending, _ := s.ListPending(ctx, models.PlatformInstagram)
	if len(pending) != 0 {
		t.Errorf("claimed job still pending")
	}
}

func TestMarkTerminal(t *testing.T) {
	s, _ := openTestStore(t)
	job := declare(t, s, models.PlatformTwitter, "acme")
	ctx := context.Background()

	if err := s.MarkTerminal(ctx, job, models.StatusProcessed, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> processed: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.MarkProcessing(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkTerminal(ctx, job, models.StatusPending, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("processing -> pending: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.MarkTerminal(ctx, job, models.StatusFailed, "generation timed out"); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}

	stored, err := s.Get(ctx, models.PlatformTwitter, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusFailed || stored.Detail != "generation timed out" {
		t.Errorf("stored = %s %q", stored.Status, stored.Detail)
	}
	wantPath := []models.JobStatus{models.StatusPending, models.StatusProcessing, models.StatusFailed}
	if len(stored.History) != len(wantPath) {
		t.Fatalf("history = %+v", stored.History)
	}
	for i, st := range wantPath {
		if stored.History[i].To != st {
			t.Errorf("history[%d] = %s, want %s", i, stored.History[i].To, st)
		}
	}

	if err := s.MarkTerminal(ctx, job, models.StatusProcessed, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed -> processed: expected ErrInvalidTransition, got %v", err)
	}
}

func TestPlatformIsolation(t *testing.T) {
	s, objects := openTestStore(t)
	declare(t, s, models.PlatformInstagram, "acme")
	declare(t, s, models.PlatformTwitter, "acme")
	ctx := context.Background()

	// A descriptor filed under instagram but declaring twitter.
	if err := objects.Put(ctx, storage.JobKey(models.PlatformInstagram, "stray"),
		[]byte(`{"platform":"twitter","username":"stray","status":"pending"}`)); err != nil {
		t.Fatal(err)
	}

	tw, err := s.ListPending(ctx, models.PlatformTwitter)
	if err != nil {
		t.Fatal(err)
	}
	if len(tw) != 1 || tw[0].Platform != models.PlatformTwitter {
		t.Fatalf("twitter scan = %+v", tw)
	}
	if err := s.MarkProcessing(ctx, tw[0]); err != nil {
		t.Fatal(err)
	}

	ig, _ := s.ListPending(ctx, models.PlatformInstagram)
	if len(ig) != 1 || ig[0].Username != "acme" {
		t.Errorf("instagram scan = %+v", ig)
	}
	if ig[0].Status != models.StatusPending {
		t.Errorf("instagram job touched by twitter claim: %s", ig[0].Status)
	}
}

func TestListSkipsCorruptDescriptor(t *testing.T) {
	s, objects := openTestStore(t)
	declare(t, s, models.PlatformFacebook, "acme")
	objects.Put(context.Background(), storage.JobKey(models.PlatformFacebook, "broken"), []byte("{not json"))

	jobs, err := s.ListPending(context.Background(), models.PlatformFacebook)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected 1 readable job, got %d", len(jobs))
	}
}

func TestCreateNormalizesCompetitors(t *testing.T) {
	s, _ := openTestStore(t)
	job := declare(t, s, models.PlatformInstagram, "@Acme", "@rival", "Rival", "acme", "other")

	if job.Username != "Acme" {
		t.Errorf("username = %q", job.Username)
	}
	if len(job.CompetitorUsernames) != 2 || job.CompetitorUsernames[0] != "rival" || job.CompetitorUsernames[1] != "other" {
		t.Errorf("competitors = %v", job.CompetitorUsernames)
	}
}

func TestCreateActiveConflicts(t *testing.T) {
	s, _ := openTestStore(t)
	declare(t, s, models.PlatformInstagram, "acme")

	_, err := s.Create(context.Background(), Declaration{Platform: models.PlatformInstagram, Username: "acme"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestCreateRequeuesFailedKeepingHistory(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	job := declare(t, s, models.PlatformInstagram, "acme")
	s.MarkProcessing(ctx, job)
	s.MarkTerminal(ctx, job, models.StatusFailed, "boom")

	again, err := s.Create(ctx, Declaration{
		Platform:     models.PlatformInstagram,
		Username:     "acme",
		PostingStyle: "minimal",
		Competitors:  []string{"newrival"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if again.Status != models.StatusPending || again.PostingStyle != "minimal" {
		t.Errorf("re-declared job = %+v", again)
	}
	if len(again.History) != 4 {
		t.Errorf("history length = %d, want 4", len(again.History))
	}
}

func TestCreateRefusesProcessed(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	job := declare(t, s, models.PlatformInstagram, "acme")
	s.MarkProcessing(ctx, job)
	s.MarkTerminal(ctx, job, models.StatusProcessed, "")

	_, err := s.Create(ctx, Declaration{Platform: models.PlatformInstagram, Username: "acme", PostingStyle: "minimal"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, err := s.Get(ctx, models.PlatformInstagram, "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusProcessed || got.PostingStyle != "playful product photos" || len(got.History) != 3 {
		t.Errorf("processed job changed: %+v", got)
	}
}

func TestReset(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	job := declare(t, s, models.PlatformInstagram, "acme")

	if _, err := s.Reset(ctx, models.PlatformInstagram, "acme"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reset pending: expected ErrInvalidTransition, got %v", err)
	}
	s.MarkProcessing(ctx, job)
	s.MarkTerminal(ctx, job, models.StatusFailed, "boom")

	reset, err := s.Reset(ctx, models.PlatformInstagram, "acme")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if reset.Status != models.StatusPending {
		t.Errorf("status = %s", reset.Status)
	}
	last := reset.History[len(reset.History)-1]
	if last.From != models.StatusFailed || last.To != models.StatusPending {
		t.Errorf("last transition = %+v", last)
	}
}

func TestDeferExport(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	job := declare(t, s, models.PlatformInstagram, "acme")

	result := &models.GenerationResult{Username: "acme", Tier: models.TierRAG}
	if err := s.DeferExport(ctx, job, result, "export failed"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("defer on pending: expected ErrInvalidTransition, got %v", err)
	}
	s.MarkProcessing(ctx, job)
	if err := s.DeferExport(ctx, job, result, "export failed"); err != nil {
		t.Fatalf("DeferExport: %v", err)
	}

	waiting, err := s.ListProcessing(ctx, models.PlatformInstagram)
	if err != nil {
		t.Fatal(err)
	}
	if len(waiting) != 1 || waiting[0].PendingResult == nil || waiting[0].PendingResult.Tier != models.TierRAG {
		t.Fatalf("ListProcessing = %+v", waiting)
	}

	if err := s.MarkTerminal(ctx, waiting[0], models.StatusProcessed, ""); err != nil {
		t.Fatal(err)
	}
	if waiting[0].PendingResult != nil {
		t.Error("pending result should be cleared once processed")
	}
}
