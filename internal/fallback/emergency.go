package fallback

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/retrieve"
)

type theme struct {
	name     string
	keywords []string
	idea     string
	hashtag  string
}

var themes = []theme{
	{"product", []string{"product", "showcase", "review", "launch"},
		"Show one product in use with a close-up and a single-sentence benefit", "#newrelease"},
	{"lifestyle", []string{"lifestyle", "daily", "personal", "life"},
		"Share a day-in-the-life moment that shows the people behind the account", "#dayinthelife"},
	{"educational", []string{"educational", "tutorial", "how-to", "tips"},
		"Publish a three-step how-to that answers one question your audience keeps asking", "#howto"},
	{"behind-scenes", []string{"behind", "process", "making", "journey"},
		"Film a short behind-the-scenes look at how your work gets made", "#behindthescenes"},
	{"industry", []string{"industry", "professional", "business", "market"},
		"Comment on one current development in your industry with your own position", "#industry"},
	{"community", []string{"community", "audience", "engagement", "social"},
		"Ask followers a direct question and feature the best answers in a follow-up post", "#community"},
}

const maxThemes = 4

// matchThemes returns the themes whose keywords occur in the posting style.
func matchThemes(style string) []theme {
	style = strings.ToLower(style)
	var out []theme
	for _, t := range themes {
		for _, k := range t.keywords {
			if strings.Contains(style, k) {
				out = append(out, t)
				break
			}
		}
		if len(out) == maxThemes {
			break
		}
	}
	return out
}

// Emergency synthesizes a result from posting-style keywords and competitor
// aggregates without calling a model. It always succeeds.
func Emergency(job *models.JobDescriptor, bundle *retrieve.Bundle, now time.Time) *models.GenerationResult {
	user := job.Username
	platform := job.Platform
	accountType := string(job.AccountType)
	if accountType == "" {
		accountType = string(models.AccountBranding)
	}
	style := strings.TrimSpace(job.PostingStyle)
	matched := matchThemes(style)

	analysis := fmt.Sprintf("No post history or model output was available for @%s on %s. This plan is derived from the declared %s account type", user, platform, accountType)
	if style != "" {
		analysis += fmt.Sprintf(" and posting style (%q)", style)
	}
	analysis += "."
	if len(matched) > 0 {
		names := make([]string, len(matched))
		for i, t := range matched {
			names[i] = t.name
		}
		analysis += " Content themes detected: " + strings.Join(names, ", ") + "."
	}

	var recs []string
	for _, t := range matched {
		recs = append(recs, t.idea)
	}
	if len(recs) == 0 {
		recs = append(recs,
			fmt.Sprintf("Open with an introduction post explaining what @%s offers and who it is for", user),
			"Publish three posts in the first week so the account has a baseline to measure against")
	}
	recs = append(recs, platformTactic(platform))

	if best := bestCompetitor(job, bundle); best != "" {
		s := Summarize(bundle.Competitors[best])
		analysis += fmt.Sprintf(" The strongest competitor evidence comes from @%s: %d posts averaging %.1f likes.", best, s.PostCount, s.AvgLikes)
		recs = append(recs, fmt.Sprintf("Study @%s's best performing post (%q) and answer it with your own angle", best, s.TopPost))
	}

	hashtags := []string{"#" + accountType}
	for _, t := range matched {
		hashtags = append(hashtags, t.hashtag)
	}
	if platform == models.PlatformTwitter && len(hashtags) > 2 {
		hashtags = hashtags[:2]
	}

	return &models.GenerationResult{
		RunID:                   uuid.NewString(),
		Platform:                platform,
		Username:                user,
		PrimaryAnalysis:         analysis,
		CompetitorInsights:      make(map[string]models.CompetitorInsight),
		TacticalRecommendations: recs,
		NextPostPrediction: models.NextPost{
			Caption:      emergencyCaption(user, platform, style),
			Hashtags:     hashtags,
			CallToAction: callToAction(platform),
			ImagePrompt:  fmt.Sprintf("Bright, welcoming photo that introduces a %s account on %s", accountType, platform),
		},
		Tier:        models.TierRuleBasedEmergency,
		GeneratedAt: now.UTC(),
	}
}

func bestCompetitor(job *models.JobDescriptor, bundle *retrieve.Bundle) string {
	if bundle == nil {
		return ""
	}
	var names []string
	for _, c := range job.Competitors() {
		if len(bundle.Competitors[c]) > 0 {
			names = append(names, c)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.SliceStable(names, func(i, j int) bool {
		return Summarize(bundle.Competitors[names[i]]).AvgEngagement > Summarize(bundle.Competitors[names[j]]).AvgEngagement
	})
	return names[0]
}

func emergencyCaption(user string, platform models.Platform, style string) string {
	lead := "Glad you found us"
	if style != "" {
		first := strings.TrimSpace(strings.SplitN(style, ".", 2)[0])
		if r := []rune(first); len(r) > 0 {
			lead = strings.ToUpper(string(r[0])) + string(r[1:])
		}
	}
	caption := fmt.Sprintf("Hello from @%s! %s.", user, lead)
	if platform == models.PlatformTwitter {
		caption = excerpt(caption, 270)
	}
	return caption
}

func platformTactic(p models.Platform) string {
	switch p {
	case models.PlatformTwitter:
		return "Keep posts under 280 characters and reply to two relevant conversations each day"
	case models.PlatformFacebook:
		return "End each post with a question so the comment section does the distribution work"
	default:
		return "Lead with a strong first image and keep captions to two short paragraphs"
	}
}

func callToAction(p models.Platform) string {
	switch p {
	case models.PlatformTwitter:
		return "Reply with what you want to see next"
	case models.PlatformFacebook:
		return "Share your thoughts in the comments"
	default:
		return "Tell us in the comments what you want to see next"
	}
}
