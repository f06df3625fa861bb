package generate

import (
	"regexp"
	"strings"

	"github.com/TobiSchelling/PostPilot/internal/models"
)

// genericPhrases mark filler text that is not specific to any account.
var genericPhrases = []string{
	"lorem ipsum",
	"placeholder",
	"template",
	"sample content",
	"example post",
	"generic",
	"buzzword",
	"corporate speak",
	"insert content here",
	"add your",
	"customize this",
	"leverage insights",
	"engage authentically",
	"post consistently",
}

const (
	minAnalysisChars    = 80
	minRecommendations  = 2
	twitterCaptionLimit = 280
	instagramCaptionMax = 2200
)

var (
	instagramMarkers = regexp.MustCompile(`(?i)link in bio|swipe up|\breels?\b|carousel`)
	twitterMarkers   = regexp.MustCompile(`(?i)\b(?:re)?tweet`)
)

// VerifyQuality returns every flag raised by result for job, in a fixed order.
func VerifyQuality(result *models.GenerationResult, job *models.JobDescriptor) []models.QualityFlag {
	var flags []models.QualityFlag
	text := strings.ToLower(resultText(result))

	for _, p := range genericPhrases {
		if strings.Contains(text, p) {
			flags = append(flags, models.FlagGenericPhrasing)
			break
		}
	}

	if user := models.NormalizeUsername(job.Username); user != "" && !strings.Contains(text, user) {
		flags = append(flags, models.FlagMissingUsername)
	}

	if len(strings.TrimSpace(result.PrimaryAnalysis)) < minAnalysisChars ||
		len(result.TacticalRecommendations) < minRecommendations ||
		strings.TrimSpace(result.NextPostPrediction.Caption) == "" {
		flags = append(flags, models.FlagInsufficientDepth)
	}

	if platformMismatch(result, job.Platform) {
		flags = append(flags, models.FlagPlatformMismatch)
	}
	return flags
}

// Blocking returns the flags that reject a result. In relaxed mode only
// depth and platform problems block.
func Blocking(flags []models.QualityFlag, relaxed bool) []models.QualityFlag {
	if !relaxed {
		return flags
	}
	var out []models.QualityFlag
	for _, f := range flags {
		if f == models.FlagInsufficientDepth || f == models.FlagPlatformMismatch {
			out = append(out, f)
		}
	}
	return out
}

func platformMismatch(result *models.GenerationResult, platform models.Platform) bool {
	post := result.NextPostPrediction
	body := post.Caption + " " + post.CallToAction + " " + strings.Join(post.Hashtags, " ")
	caption := []rune(post.Caption)
	switch platform {
	case models.PlatformTwitter:
		return len(caption) > twitterCaptionLimit || instagramMarkers.MatchString(body)
	case models.PlatformInstagram:
		return len(caption) > instagramCaptionMax || twitterMarkers.MatchString(body)
	}
	return false
}

func resultText(r *models.GenerationResult) string {
	var b strings.Builder
	b.WriteString(r.PrimaryAnalysis)
	for name, ci := range r.CompetitorInsights {
		b.WriteString(" " + name + " " + ci.Overview)
		for _, list := range [][]string{ci.Strengths, ci.Weaknesses, ci.Opportunities} {
			b.WriteString(" " + strings.Join(list, " "))
		}
	}
	b.WriteString(" " + strings.Join(r.TacticalRecommendations, " "))
	b.WriteString(" " + r.NextPostPrediction.Caption)
	b.WriteString(" " + r.NextPostPrediction.CallToAction)
	b.WriteString(" " + r.NextPostPrediction.ImagePrompt)
	b.WriteString(" " + strings.Join(r.NextPostPrediction.Hashtags, " "))
	return b.String()
}
