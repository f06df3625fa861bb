package fallback

import (
	"sort"
	"strings"
	"unicode"

	"github.com/TobiSchelling/PostPilot/internal/models"
)

const (
	topPostChars   = 160
	maxTopKeywords = 5
	minKeywordLen  = 5
)

// Summarize computes engagement aggregates over docs. It returns nil for no documents.
func Summarize(docs []models.ContentDocument) *models.EngagementSummary {
	if len(docs) == 0 {
		return nil
	}
	s := &models.EngagementSummary{PostCount: len(docs)}
	var top models.ContentDocument
	for i, d := range docs {
		s.TotalLikes += d.Engagement.Likes
		s.TotalComments += d.Engagement.Comments
		s.TotalShares += d.Engagement.Shares
		if i == 0 || d.Engagement.Total() > top.Engagement.Total() {
			top = d
		}
	}
	n := float64(len(docs))
	s.AvgLikes = float64(s.TotalLikes) / n
	s.AvgComments = float64(s.TotalComments) / n
	s.AvgShares = float64(s.TotalShares) / n
	s.AvgEngagement = float64(s.TotalLikes+s.TotalComments+s.TotalShares) / n
	s.TopPost = excerpt(top.Text, topPostChars)
	s.TopKeywords = topKeywords(docs, maxTopKeywords)
	return s
}

// topKeywords returns the most frequent alphabetic words of at least
// minKeywordLen letters that occur more than once.
func topKeywords(docs []models.ContentDocument, n int) []string {
	counts := make(map[string]int)
	for _, d := range docs {
		for _, w := range strings.Fields(strings.ToLower(d.Text)) {
			w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
			if len([]rune(w)) < minKeywordLen || !isAlpha(w) {
				continue
			}
			counts[w]++
		}
	}
	var words []string
	for w, c := range counts {
		if c > 1 {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
