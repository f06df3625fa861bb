package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/PostPilot/internal/models"
)

var (
	ErrNotFound        = errors.New("object not found")
	ErrExists          = errors.New("object already exists")
	ErrVersionMismatch = errors.New("object version mismatch")
)

// Object is a stored blob with its revision.
type Object struct {
	Key       string
	Body      []byte
	Version   int64
	UpdatedAt time.Time
}

// Store is a key-value blob store addressed by hierarchical keys.
// No transactions span keys.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Put(ctx context.Context, key string, body []byte) error
	PutIfAbsent(ctx context.Context, key string, body []byte) error
	// CompareAndSwap replaces key only if its current version equals version.
	CompareAndSwap(ctx context.Context, key string, version int64, body []byte) error
}

// Artifact kinds.
const (
	KindRecommendation     = "recommendations"
	KindNextPost           = "next_posts"
	KindCompetitorAnalysis = "competitor_analysis"
)

const jobsRoot = "jobs"

// JobPrefix returns the namespace holding every job of a platform.
func JobPrefix(platform models.Platform) string {
	return jobsRoot + "/" + string(platform) + "/"
}

// JobKey returns the descriptor key of one account.
func JobKey(platform models.Platform, username string) string {
	return JobPrefix(platform) + models.NormalizeUsername(username) + "/info.json"
}

// PlatformFromJobKey extracts the platform segment of a descriptor key.
func PlatformFromJobKey(key string) (models.Platform, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != jobsRoot || parts[3] != "info.json" {
		return "", false
	}
	return models.Platform(parts[1]), true
}

// ArtifactDir returns the directory of one artifact series, e.g.
// recommendations/instagram/acme/ or competitor_analysis/instagram/acme/rival/.
func ArtifactDir(kind string, platform models.Platform, username string, sub ...string) string {
	parts := []string{kind, string(platform), models.NormalizeUsername(username)}
	for _, s := range sub {
		parts = append(parts, models.NormalizeUsername(s))
	}
	return path.Join(parts...) + "/"
}

// SequenceKey returns dir + prefix_n.json.
func SequenceKey(dir, prefix string, n int) string {
	return fmt.Sprintf("%s%s_%d.json", dir, prefix, n)
}

// MaxSequence returns the highest n among keys named prefix_n.json directly under dir.
func MaxSequence(keys []string, dir, prefix string) int {
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `_(\d+)\.json$`)
	max := 0
	for _, k := range keys {
		if !strings.HasPrefix(k, dir) {
			continue
		}
		name := strings.TrimPrefix(k, dir)
		if strings.Contains(name, "/") {
			continue
		}
		m := pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n > max {
			max = n
		}
	}
	return max
}
