// Package jobs is the durable per-account job queue: descriptors stored as
// JSON objects under a per-platform namespace and claimed with a
// version-checked write.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/metrics"
	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/storage"
)

var (
	// ErrConflict is returned when another worker changed the job first.
	ErrConflict = errors.New("job already claimed or modified")
	// ErrInvalidTransition is returned for a transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store reads and writes job descriptors.
type Store struct {
	objects storage.Store
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore creates a job store over objects.
func NewStore(objects storage.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{objects: objects, logger: logger, now: time.Now}
}

func (s *Store) load(ctx context.Context, key string) (*models.JobDescriptor, error) {
	obj, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var job models.JobDescriptor
	if err := json.Unmarshal(obj.Body, &job); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	job.Version = obj.Version
	return &job, nil
}

// Get returns the descriptor of one account.
func (s *Store) Get(ctx context.Context, platform models.Platform, username string) (*models.JobDescriptor, error) {
	return s.load(ctx, storage.JobKey(platform, username))
}

// List returns every descriptor of a platform, oldest first. Descriptors
// that cannot be decoded or that claim another platform are skipped.
func (s *Store) List(ctx context.Context, platform models.Platform) ([]*models.JobDescriptor, error) {
	keys, err := s.objects.List(ctx, storage.JobPrefix(platform))
	if err != nil {
		return nil, fmt.Errorf("listing %s jobs: %w", platform, err)
	}

	var out []*models.JobDescriptor
	for _, key := range keys {
		if p, ok := storage.PlatformFromJobKey(key); !ok || p != platform {
			continue
		}
		job, err := s.load(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.logger.Warn("skipping unreadable job descriptor", zap.String("key", key), zap.Error(err))
				continue
			}
			return nil, err
		}
		if job.Platform != platform {
			s.logger.Warn("skipping job descriptor outside its platform namespace",
				zap.String("key", key), zap.String("declared", string(job.Platform)))
			continue
		}
		out = append(out, job)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListPending returns the pending jobs of one platform, oldest first.
func (s *Store) ListPending(ctx context.Context, platform models.Platform) ([]*models.JobDescriptor, error) {
	all, err := s.List(ctx, platform)
	if err != nil {
		return nil, err
	}
	var pending []*models.JobDescriptor
	for _, job := range all {
		if job.Status == models.StatusPending {
			pending = append(pending, job)
		}
	}
	return pending, nil
}

// ListProcessing returns jobs left in processing with a stored result that
// still needs exporting.
func (s *Store) ListProcessing(ctx context.Context, platform models.Platform) ([]*models.JobDescriptor, error) {
	all, err := s.List(ctx, platform)
	if err != nil {
		return nil, err
	}
	var out []*models.JobDescriptor
	for _, job := range all {
		if job.Status == models.StatusProcessing && job.PendingResult != nil {
			out = append(out, job)
		}
	}
	return out, nil
}

// update applies mutate to the stored descriptor if it is still at job's
// version, then refreshes job in place.
func (s *Store) update(ctx context.Context, job *models.JobDescriptor, mutate func(*models.JobDescriptor) error) error {
	key := storage.JobKey(job.Platform, job.Username)
	current, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if current.Version != job.Version {
		return fmt.Errorf("%s/%s: %w", job.Platform, job.Username, ErrConflict)
	}
	if err := mutate(current); err != nil {
		return err
	}

	body, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	err = s.objects.CompareAndSwap(ctx, key, current.Version, body)
	if errors.Is(err, storage.ErrVersionMismatch) {
		return fmt.Errorf("%s/%s: %w", job.Platform, job.Username, ErrConflict)
	}
	if err != nil {
		return err
	}
	current.Version++
	*job = *current
	return nil
}

func (s *Store) transition(job *models.JobDescriptor, to models.JobStatus, detail string) {
	job.History = append(job.History, models.Transition{
		From:   job.Status,
		To:     to,
		At:     s.now().UTC(),
		Detail: detail,
	})
	job.Status = to
	job.Detail = detail
	metrics.JobTransitions.WithLabelValues(string(job.Platform), string(to)).Inc()
}

// MarkProcessing claims a pending job. It returns ErrConflict when another
// worker claimed or changed the job since it was listed.
func (s *Store) MarkProcessing(ctx context.Context, job *models.JobDescriptor) error {
	return s.update(ctx, job, func(cur *models.JobDescriptor) error {
		if cur.Status != models.StatusPending {
			return fmt.Errorf("%s/%s is %s: %w", cur.Platform, cur.Username, cur.Status, ErrConflict)
		}
		s.transition(cur, models.StatusProcessing, "")
		return nil
	})
}

// MarkTerminal moves a processing job to processed or failed. Any stored
// pending result is cleared.
func (s *Store) MarkTerminal(ctx context.Context, job *models.JobDescriptor, status models.JobStatus, detail string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%s: %w", status, ErrInvalidTransition)
	}
	return s.update(ctx, job, func(cur *models.JobDescriptor) error {
		if cur.Status != models.StatusProcessing {
			return fmt.Errorf("%s/%s %s -> %s: %w", cur.Platform, cur.Username, cur.Status, status, ErrInvalidTransition)
		}
		s.transition(cur, status, detail)
		cur.PendingResult = nil
		return nil
	})
}

// DeferExport stores a generated result on a processing job whose export
// failed, so the next poll can export it without generating again.
func (s *Store) DeferExport(ctx context.Context, job *models.JobDescriptor, result *models.GenerationResult, detail string) error {
	return s.update(ctx, job, func(cur *models.JobDescriptor) error {
		if cur.Status != models.StatusProcessing {
			return fmt.Errorf("%s/%s is %s: %w", cur.Platform, cur.Username, cur.Status, ErrInvalidTransition)
		}
		cur.PendingResult = result
		cur.Detail = detail
		return nil
	})
}

// Declaration is an account declared by the intake process.
type Declaration struct {
	Platform     models.Platform
	Username     string
	AccountType  models.AccountType
	PostingStyle string
	Competitors  []string
}

// Create writes a pending descriptor for a declared account. A failed
// account is re-queued with its history kept, like Reset. An active account
// is left untouched and ErrConflict is returned; a processed account is
// retained as-is and ErrInvalidTransition is returned.
func (s *Store) Create(ctx context.Context, d Declaration) (*models.JobDescriptor, error) {
	username := strings.TrimPrefix(strings.TrimSpace(d.Username), "@")
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if d.AccountType == "" {
		d.AccountType = models.AccountBranding
	}
	now := s.now().UTC()
	job := &models.JobDescriptor{
		Platform:            d.Platform,
		Username:            username,
		AccountType:         d.AccountType,
		PostingStyle:        d.PostingStyle,
		CompetitorUsernames: d.Competitors,
		Status:              models.StatusPending,
		CreatedAt:           now,
		History:             []models.Transition{{To: models.StatusPending, At: now, Detail: "declared"}},
	}
	job.CompetitorUsernames = job.Competitors()

	key := storage.JobKey(d.Platform, username)
	body, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, err
	}
	err = s.objects.PutIfAbsent(ctx, key, body)
	if err == nil {
		job.Version = 1
		metrics.JobTransitions.WithLabelValues(string(job.Platform), string(models.StatusPending)).Inc()
		return job, nil
	}
	if !errors.Is(err, storage.ErrExists) {
		return nil, err
	}

	existing, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	switch existing.Status {
	case models.StatusFailed:
	case models.StatusProcessed:
		return existing, fmt.Errorf("%s/%s is %s: %w", d.Platform, username, existing.Status, ErrInvalidTransition)
	default:
		return existing, fmt.Errorf("%s/%s is %s: %w", d.Platform, username, existing.Status, ErrConflict)
	}
	err = s.update(ctx, existing, func(cur *models.JobDescriptor) error {
		cur.AccountType = job.AccountType
		cur.PostingStyle = job.PostingStyle
		cur.CompetitorUsernames = job.CompetitorUsernames
		cur.CreatedAt = now
		s.transition(cur, models.StatusPending, "re-declared")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// Reset re-queues a failed job. It is the operator's retry path; processed
// and active jobs are refused.
func (s *Store) Reset(ctx context.Context, platform models.Platform, username string) (*models.JobDescriptor, error) {
	job, err := s.Get(ctx, platform, username)
	if err != nil {
		return nil, err
	}
	err = s.update(ctx, job, func(cur *models.JobDescriptor) error {
		if cur.Status != models.StatusFailed {
			return fmt.Errorf("%s/%s is %s, only failed jobs can be reset: %w",
				cur.Platform, cur.Username, cur.Status, ErrInvalidTransition)
		}
		s.transition(cur, models.StatusPending, "reset by operator")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}
