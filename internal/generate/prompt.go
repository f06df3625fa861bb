package generate

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/retrieve"
)

// Mode selects what evidence the prompt is built from.
type Mode int

const (
	// ModeRAG uses the account's own posts.
	ModeRAG Mode = iota
	// ModeCompetitorAsPrimary substitutes competitor posts for the account's own.
	ModeCompetitorAsPrimary
	// ModePostingStyleOnly uses only the declared account metadata.
	ModePostingStyleOnly
)

// Tier returns the generation tier a result built in this mode carries.
func (m Mode) Tier() models.GenerationTier {
	switch m {
	case ModeCompetitorAsPrimary:
		return models.TierCompetitorAsPrimary
	case ModePostingStyleOnly:
		return models.TierPostingStyleOnly
	default:
		return models.TierRAG
	}
}

func (m Mode) String() string {
	return string(m.Tier())
}

const unifiedPrompt = `You are a social media strategist preparing a content plan for the %s account @%s.

Account type: %s
Declared posting style: %s

%s

Competitors:
%s

%s

Produce ALL of the following in one response:
1. primary_analysis: 2-3 specific paragraphs about @%s: what its content does well, what underperforms, and why. Refer to @%s by name.
2. competitor_insights: for every competitor listed above, an object with overview, strengths, weaknesses and opportunities for @%s. For competitors marked NO DATA, say so plainly instead of guessing.
3. tactical_recommendations: 3-5 concrete, actionable recommendations tied to the evidence.
4. next_post_prediction: the single best next post for @%s: caption, hashtags, call_to_action, image_prompt.

Avoid filler such as "leverage insights", "engage authentically" or "post consistently". Be specific to this account.

Respond with ONLY this JSON:
{
    "primary_analysis": "...",
    "competitor_insights": {
        "competitor_username": {"overview": "...", "strengths": ["..."], "weaknesses": ["..."], "opportunities": ["..."]}
    },
    "tactical_recommendations": ["...", "..."],
    "next_post_prediction": {
        "caption": "...",
        "hashtags": ["#..."],
        "call_to_action": "...",
        "image_prompt": "..."
    }
}`

// maxEvidence caps the posts quoted per account.
const maxEvidence = 8

// maxEvidenceRunes caps the quoted text of one post.
const maxEvidenceRunes = 400

// BuildPrompt renders the unified prompt for one job.
func BuildPrompt(job *models.JobDescriptor, bundle *retrieve.Bundle, mode Mode) string {
	user := job.Username
	competitors := job.Competitors()
	if bundle == nil {
		bundle = retrieve.EmptyBundle(job.Platform, user, competitors)
	}

	var evidence string
	switch mode {
	case ModeCompetitorAsPrimary:
		evidence = "@" + user + " has no indexed post history. The posts below come from its competitors in the same niche; " +
			"treat them as the reference for what works for an account like @" + user + ".\n\n" +
			"Reference posts:\n" + formatDocuments(bundle.CompetitorDocuments(competitors))
	case ModePostingStyleOnly:
		evidence = "No post history is available for @" + user + " or its competitors. " +
			"Base the plan on the account type and declared posting style only."
	default:
		evidence = "Recent posts by @" + user + ":\n" + formatDocuments(bundle.PrimaryDocuments)
	}

	return fmt.Sprintf(unifiedPrompt,
		job.Platform, user,
		orDefault(string(job.AccountType), string(models.AccountBranding)),
		orDefault(job.PostingStyle, "not declared"),
		evidence,
		formatCompetitors(competitors, bundle, mode),
		platformConventions(job.Platform),
		user, user, user, user,
	)
}

// retryNote is appended to the prompt of a repeated attempt.
func retryNote(attempt int, reason string) string {
	return fmt.Sprintf("\n\nAttempt %d. The previous response was rejected: %s. Follow the JSON format exactly and address every point.", attempt, reason)
}

func formatDocuments(docs []models.ContentDocument) string {
	if len(docs) == 0 {
		return "(none)"
	}
	if len(docs) > maxEvidence {
		docs = docs[:maxEvidence]
	}
	var parts []string
	for i, d := range docs {
		text := strings.Join(strings.Fields(d.Text), " ")
		if r := []rune(text); len(r) > maxEvidenceRunes {
			text = string(r[:maxEvidenceRunes]) + "..."
		}
		parts = append(parts, fmt.Sprintf("[%d] @%s (%d likes, %d comments, %d shares): %s",
			i+1, d.OwnerUsername, d.Engagement.Likes, d.Engagement.Comments, d.Engagement.Shares, text))
	}
	return strings.Join(parts, "\n")
}

func formatCompetitors(competitors []string, bundle *retrieve.Bundle, mode Mode) string {
	if len(competitors) == 0 {
		return "(none declared)"
	}
	var lines []string
	for _, c := range competitors {
		docs := bundle.Competitors[c]
		switch {
		case len(docs) == 0:
			lines = append(lines, fmt.Sprintf("- @%s: NO DATA", c))
		case mode == ModeCompetitorAsPrimary:
			lines = append(lines, fmt.Sprintf("- @%s: %d posts (quoted above)", c, len(docs)))
		default:
			lines = append(lines, fmt.Sprintf("- @%s: %d posts\n%s", c, len(docs), indent(formatDocuments(docs))))
		}
	}
	return strings.Join(lines, "\n")
}

func platformConventions(p models.Platform) string {
	switch p {
	case models.PlatformTwitter:
		return "Platform conventions (Twitter/X): captions of at most 280 characters including hashtags, 1-2 hashtags, conversational tone, no \"link in bio\"."
	case models.PlatformFacebook:
		return "Platform conventions (Facebook): longer-form captions are fine, questions that invite comments, links allowed, few hashtags."
	default:
		return "Platform conventions (Instagram): visual-first post, caption up to 2200 characters, 5-15 relevant hashtags, do not refer to tweets or retweets."
	}
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(s, "\n", "\n    ")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
