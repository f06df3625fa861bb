package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/TobiSchelling/PostPilot/internal/models"
)

// RecommendationMarkdown renders the analysis and recommendations of a result.
func RecommendationMarkdown(job *models.JobDescriptor, r *models.GenerationResult) string {
	var sections []string
	sections = append(sections, header(job, r))
	sections = append(sections, "## Analysis\n\n"+r.PrimaryAnalysis)

	if len(r.TacticalRecommendations) > 0 {
		var items []string
		for i, rec := range r.TacticalRecommendations {
			items = append(items, fmt.Sprintf("%d. %s", i+1, rec))
		}
		sections = append(sections, "## Recommendations\n\n"+strings.Join(items, "\n"))
	}

	if len(r.CompetitorInsights) > 0 {
		names := make([]string, 0, len(r.CompetitorInsights))
		for name := range r.CompetitorInsights {
			names = append(names, name)
		}
		sort.Strings(names)
		var lines []string
		for _, name := range names {
			lines = append(lines, fmt.Sprintf("- **@%s**: %s", name, r.CompetitorInsights[name].Overview))
		}
		sections = append(sections, "## Competitors\n\n"+strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n---\n\n")
}

// NextPostMarkdown renders the predicted next post.
func NextPostMarkdown(job *models.JobDescriptor, r *models.GenerationResult) string {
	np := r.NextPostPrediction
	section := "## Next post\n\n" + np.Caption
	if len(np.Hashtags) > 0 {
		section += "\n\n" + strings.Join(np.Hashtags, " ")
	}
	if np.CallToAction != "" {
		section += "\n\n**Call to action:** " + np.CallToAction
	}
	if np.ImagePrompt != "" {
		section += "\n\n**Image:** " + np.ImagePrompt
	}
	return header(job, r) + "\n\n---\n\n" + section
}

// CompetitorMarkdown renders one competitor analysis.
func CompetitorMarkdown(job *models.JobDescriptor, competitor string, ci models.CompetitorInsight, r *models.GenerationResult) string {
	section := fmt.Sprintf("## @%s\n\n%s", competitor, ci.Overview)
	if !ci.DataAvailable {
		section += "\n\n_No data available for this competitor._"
	}
	for _, list := range []struct {
		title string
		items []string
	}{
		{"Strengths", ci.Strengths},
		{"Weaknesses", ci.Weaknesses},
		{"Opportunities", ci.Opportunities},
	} {
		if len(list.items) > 0 {
			section += "\n\n**" + list.title + ":**\n- " + strings.Join(list.items, "\n- ")
		}
	}
	if e := ci.Evidence; e != nil {
		section += fmt.Sprintf("\n\n**Evidence:** %d posts, %d likes, %d comments, %d shares (avg %.1f likes, %.1f engagement)",
			e.PostCount, e.TotalLikes, e.TotalComments, e.TotalShares, e.AvgLikes, e.AvgEngagement)
		if e.TopPost != "" {
			section += "\n\n> " + e.TopPost
		}
		if len(e.TopKeywords) > 0 {
			section += "\n\nKeywords: " + strings.Join(e.TopKeywords, ", ")
		}
	}
	return header(job, r) + "\n\n---\n\n" + section
}

func header(job *models.JobDescriptor, r *models.GenerationResult) string {
	h := fmt.Sprintf("# @%s on %s\n\nTier: `%s`", job.Username, job.Platform, r.Tier)
	if r.Disclosure != "" {
		h += "\n\n> **Disclosure:** " + r.Disclosure
	}
	if len(r.QualityFlags) > 0 {
		flags := make([]string, len(r.QualityFlags))
		for i, f := range r.QualityFlags {
			flags[i] = string(f)
		}
		h += "\n\nQuality flags: " + strings.Join(flags, ", ")
	}
	return h
}
