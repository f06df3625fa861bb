package models

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a social network.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
	PlatformFacebook  Platform = "facebook"
)

// ParsePlatform normalizes a platform name.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformInstagram, PlatformTwitter, PlatformFacebook:
		return p, nil
	case "x":
		return PlatformTwitter, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// AccountType is the declared kind of account.
type AccountType string

const (
	AccountBranding AccountType = "branding"
	AccountPersonal AccountType = "personal"
)

// JobStatus is the processing state of a job descriptor.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusProcessed  JobStatus = "processed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further pipeline transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Transition is one entry in a job's audit trail.
type Transition struct {
	From   JobStatus `json:"from,omitempty"`
	To     JobStatus `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// JobDescriptor is one account's unit of work.
type JobDescriptor struct {
	Platform            Platform          `json:"platform"`
	Username            string            `json:"username"`
	AccountType         AccountType       `json:"account_type"`
	PostingStyle        string            `json:"posting_style"`
	CompetitorUsernames []string          `json:"competitor_usernames"`
	Status              JobStatus         `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
	Detail              string            `json:"detail,omitempty"`
	History             []Transition      `json:"history,omitempty"`
	PendingResult       *GenerationResult `json:"pending_result,omitempty"`

	// Version is the storage revision the descriptor was read at.
	Version int64 `json:"-"`
}

// Competitors returns the competitor set with duplicates and the primary removed,
// preserving declaration order.
func (j *JobDescriptor) Competitors() []string {
	seen := map[string]bool{NormalizeUsername(j.Username): true}
	var out []string
	for _, c := range j.CompetitorUsernames {
		c = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c), "@"))
		key := NormalizeUsername(c)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// NormalizeUsername lowercases a handle and strips a leading "@".
func NormalizeUsername(u string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
}

// EngagementMetrics are the non-negative interaction counts of a post.
type EngagementMetrics struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
}

// Total returns the summed engagement.
func (e EngagementMetrics) Total() int64 {
	return e.Likes + e.Comments + e.Shares
}

// ContentDocument is one indexed historical post.
type ContentDocument struct {
	ID             string            `json:"id"`
	OwnerUsername  string            `json:"owner_username"`
	IsCompetitorOf []string          `json:"is_competitor_of,omitempty"`
	Text           string            `json:"text"`
	Engagement     EngagementMetrics `json:"engagement_metrics"`
	PostedAt       time.Time         `json:"posted_at"`
	Platform       Platform          `json:"platform"`
	URL            string            `json:"url,omitempty"`
	Embedding      []float64         `json:"-"`
	Score          float64           `json:"-"`
}

// GenerationTier records which rung of the fallback ladder produced a result.
type GenerationTier string

const (
	TierRAG                 GenerationTier = "rag"
	TierCompetitorAsPrimary GenerationTier = "competitor_as_primary"
	TierPostingStyleOnly    GenerationTier = "posting_style_only"
	TierRuleBasedEmergency  GenerationTier = "rule_based_emergency"
)

// Personalized reports whether the tier is based on the account's own data.
func (t GenerationTier) Personalized() bool {
	return t == TierRAG
}

// QualityFlag is one issue detected by the quality gate.
type QualityFlag string

const (
	FlagGenericPhrasing   QualityFlag = "generic_phrasing"
	FlagMissingUsername   QualityFlag = "missing_username"
	FlagInsufficientDepth QualityFlag = "insufficient_depth"
	FlagPlatformMismatch  QualityFlag = "platform_mismatch"
)

// EngagementSummary is a deterministic aggregate over a set of documents.
type EngagementSummary struct {
	PostCount     int      `json:"post_count"`
	TotalLikes    int64    `json:"total_likes"`
	TotalComments int64    `json:"total_comments"`
	TotalShares   int64    `json:"total_shares"`
	AvgLikes      float64  `json:"avg_likes"`
	AvgComments   float64  `json:"avg_comments"`
	AvgShares     float64  `json:"avg_shares"`
	AvgEngagement float64  `json:"avg_engagement"`
	TopPost       string   `json:"top_post,omitempty"`
	TopKeywords   []string `json:"top_keywords,omitempty"`
}

// CompetitorInsight is the structured analysis of one competitor.
type CompetitorInsight struct {
	Overview      string             `json:"overview"`
	Strengths     []string           `json:"strengths,omitempty"`
	Weaknesses    []string           `json:"weaknesses,omitempty"`
	Opportunities []string           `json:"opportunities,omitempty"`
	Evidence      *EngagementSummary `json:"evidence,omitempty"`
	DataAvailable bool               `json:"data_available"`
}

// NextPost is the predicted next post.
type NextPost struct {
	Caption      string   `json:"caption"`
	Hashtags     []string `json:"hashtags,omitempty"`
	CallToAction string   `json:"call_to_action,omitempty"`
	ImagePrompt  string   `json:"image_prompt,omitempty"`
}

// GenerationResult is the unified output for one job execution.
type GenerationResult struct {
	RunID                   string                       `json:"run_id"`
	Platform                Platform                     `json:"platform"`
	Username                string                       `json:"username"`
	PrimaryAnalysis         string                       `json:"primary_analysis"`
	CompetitorInsights      map[string]CompetitorInsight `json:"competitor_insights"`
	TacticalRecommendations []string                     `json:"tactical_recommendations"`
	NextPostPrediction      NextPost                     `json:"next_post_prediction"`
	Tier                    GenerationTier               `json:"generation_tier"`
	QualityFlags            []QualityFlag                `json:"quality_flags"`
	Disclosure              string                       `json:"disclosure,omitempty"`
	Model                   string                       `json:"model,omitempty"`
	GeneratedAt             time.Time                    `json:"generated_at"`
}

// HasFlag reports whether flag was raised on the result.
func (r *GenerationResult) HasFlag(flag QualityFlag) bool {
	for _, f := range r.QualityFlags {
		if f == flag {
			return true
		}
	}
	return false
}
