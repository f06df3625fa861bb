package generate

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/TobiSchelling/PostPilot/internal/llm"
	"github.com/TobiSchelling/PostPilot/internal/models"
)

// Parsed is the structured content recovered from a model response.
type Parsed struct {
	PrimaryAnalysis         string
	CompetitorInsights      map[string]models.CompetitorInsight
	TacticalRecommendations []string
	NextPost                models.NextPost
}

func (p *Parsed) usable() bool {
	return p != nil && (strings.TrimSpace(p.PrimaryAnalysis) != "" || strings.TrimSpace(p.NextPost.Caption) != "")
}

// Parser is one recovery strategy. Parse is pure: it returns nil when it
// cannot recover a usable result.
type Parser struct {
	Name  string
	Parse func(text string) *Parsed
}

// Parsers are tried in order, strictest first.
var Parsers = []Parser{
	{Name: "json", Parse: ParseJSON},
	{Name: "fields", Parse: ParseFields},
	{Name: "sections", Parse: ParseSections},
}

// Parse runs Parsers in order and returns the first usable result with the
// name of the strategy that produced it.
func Parse(text string) (*Parsed, string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, "", ErrUnparseable
	}
	for _, p := range Parsers {
		if out := p.Parse(text); out.usable() {
			return out, p.Name, nil
		}
	}
	return nil, "", ErrUnparseable
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

var quoteFixer = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")

// ParseJSON decodes a JSON object, tolerating code fences, surrounding
// prose, trailing commas and typographic quotes.
func ParseJSON(text string) *Parsed {
	if m := llm.ParseJSONResponse(text); m != nil {
		if out := fromMap(m); out.usable() {
			return out
		}
	}
	candidates := []string{llm.StripCodeFence(text)}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		candidates = append(candidates, text[i:j+1])
	}
	for _, c := range candidates {
		for _, attempt := range []string{c, trailingComma.ReplaceAllString(quoteFixer.Replace(c), "$1")} {
			var m map[string]any
			if err := json.Unmarshal([]byte(attempt), &m); err != nil {
				continue
			}
			if out := fromMap(m); out.usable() {
				return out
			}
		}
	}
	return nil
}

func fromMap(m map[string]any) *Parsed {
	out := &Parsed{
		PrimaryAnalysis:         getStr(m, "primary_analysis", ""),
		TacticalRecommendations: getStrings(m, "tactical_recommendations"),
		CompetitorInsights:      make(map[string]models.CompetitorInsight),
	}
	if raw, ok := m["competitor_insights"].(map[string]any); ok {
		for name, v := range raw {
			name = strings.TrimPrefix(strings.TrimSpace(name), "@")
			switch iv := v.(type) {
			case string:
				out.CompetitorInsights[name] = models.CompetitorInsight{Overview: iv}
			case map[string]any:
				out.CompetitorInsights[name] = models.CompetitorInsight{
					Overview:      getStr(iv, "overview", getStr(iv, "summary", "")),
					Strengths:     getStrings(iv, "strengths"),
					Weaknesses:    getStrings(iv, "weaknesses"),
					Opportunities: getStrings(iv, "opportunities"),
				}
			}
		}
	}
	switch np := m["next_post_prediction"].(type) {
	case map[string]any:
		out.NextPost = models.NextPost{
			Caption:      getStr(np, "caption", ""),
			Hashtags:     normalizeHashtags(getStrings(np, "hashtags")),
			CallToAction: getStr(np, "call_to_action", ""),
			ImagePrompt:  getStr(np, "image_prompt", ""),
		}
	case string:
		out.NextPost.Caption = np
	}
	return out
}

func getStr(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return fallback
}

// getStrings reads a list of strings, a list of objects carrying text, or a
// single whitespace/comma separated string.
func getStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []any:
		var out []string
		for _, item := range v {
			switch iv := item.(type) {
			case string:
				if s := strings.TrimSpace(iv); s != "" {
					out = append(out, s)
				}
			case map[string]any:
				for _, k := range []string{"recommendation", "text", "title", "action"} {
					if s := getStr(iv, k, ""); s != "" {
						out = append(out, s)
						break
					}
				}
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 1 && strings.Count(out[0], "#") > 1 {
		return strings.Fields(out[0])
	}
	return out
}

func normalizeHashtags(tags []string) []string {
	var out []string
	for _, t := range tags {
		for _, f := range strings.Fields(t) {
			f = strings.Trim(f, ",;")
			if f == "" {
				continue
			}
			if !strings.HasPrefix(f, "#") {
				f = "#" + f
			}
			out = append(out, f)
		}
	}
	return out
}

var (
	stringField = func(name string) *regexp.Regexp {
		return regexp.MustCompile(`"` + name + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	}
	arrayField = func(name string) *regexp.Regexp {
		return regexp.MustCompile(`(?s)"` + name + `"\s*:\s*\[(.*?)\]`)
	}
	quoted = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)

	analysisField = stringField("primary_analysis")
	captionField  = stringField("caption")
	ctaField      = stringField("call_to_action")
	imageField    = stringField("image_prompt")
	recsField     = arrayField("tactical_recommendations")
	hashtagsField = arrayField("hashtags")
)

// ParseFields pulls individual fields out of JSON that does not decode as a
// whole, for example when the response was truncated.
func ParseFields(text string) *Parsed {
	out := &Parsed{
		PrimaryAnalysis: unescape(firstGroup(analysisField, text)),
		NextPost: models.NextPost{
			Caption:      unescape(firstGroup(captionField, text)),
			CallToAction: unescape(firstGroup(ctaField, text)),
			ImagePrompt:  unescape(firstGroup(imageField, text)),
		},
	}
	if body := firstGroup(recsField, text); body != "" {
		for _, m := range quoted.FindAllStringSubmatch(body, -1) {
			if s := strings.TrimSpace(unescape(m[1])); s != "" {
				out.TacticalRecommendations = append(out.TacticalRecommendations, s)
			}
		}
	}
	if body := firstGroup(hashtagsField, text); body != "" {
		var tags []string
		for _, m := range quoted.FindAllStringSubmatch(body, -1) {
			tags = append(tags, m[1])
		}
		out.NextPost.Hashtags = normalizeHashtags(tags)
	}
	if !out.usable() {
		return nil
	}
	return out
}

func firstGroup(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

func unescape(s string) string {
	if s == "" {
		return ""
	}
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(out)
}

type section int

const (
	secNone section = iota
	secAnalysis
	secCompetitors
	secRecommendations
	secNextPost
)

var (
	headerClean = regexp.MustCompile(`^[#*\s\d.)]+|[*:\s]+$`)
	bullet      = regexp.MustCompile(`^\s*(?:[-*\x{2022}]|\d+[.)])\s+`)
	labeled     = regexp.MustCompile(`(?i)^\s*[-*]?\s*\**(caption|hashtags|call[ _-]to[ _-]action|cta|image[ _-]prompt)\**\s*:\s*(.*)$`)
	competitorL = regexp.MustCompile(`^\s*[-*]?\s*\**@?([A-Za-z0-9_.]+)\**\s*:\s*(.+)$`)
)

func sectionOf(line string) (section, bool) {
	h := strings.ToLower(headerClean.ReplaceAllString(strings.TrimSpace(line), ""))
	h = strings.ReplaceAll(h, "_", " ")
	switch {
	case h == "":
		return secNone, false
	case strings.HasPrefix(h, "primary analysis") || h == "analysis" || h == "account analysis":
		return secAnalysis, true
	case strings.HasPrefix(h, "competitor insights") || strings.HasPrefix(h, "competitor analysis") || h == "competitors":
		return secCompetitors, true
	case strings.HasPrefix(h, "tactical recommendations") || h == "recommendations":
		return secRecommendations, true
	case strings.HasPrefix(h, "next post") || strings.HasPrefix(h, "next post prediction"):
		return secNextPost, true
	}
	return secNone, false
}

// ParseSections rebuilds a result from prose organised under headings such
// as "Primary Analysis" or "## Tactical Recommendations".
func ParseSections(text string) *Parsed {
	out := &Parsed{CompetitorInsights: make(map[string]models.CompetitorInsight)}
	var analysis []string
	cur := secNone

	for _, line := range strings.Split(text, "\n") {
		if s, ok := sectionOf(line); ok && len(strings.TrimSpace(line)) < 60 {
			cur = s
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		switch cur {
		case secAnalysis:
			analysis = append(analysis, trimmed)
		case secCompetitors:
			if m := competitorL.FindStringSubmatch(trimmed); m != nil {
				out.CompetitorInsights[m[1]] = models.CompetitorInsight{Overview: strings.TrimSpace(m[2])}
			}
		case secRecommendations:
			item := strings.TrimSpace(bullet.ReplaceAllString(trimmed, ""))
			if item != "" {
				out.TacticalRecommendations = append(out.TacticalRecommendations, item)
			}
		case secNextPost:
			m := labeled.FindStringSubmatch(trimmed)
			if m == nil {
				if out.NextPost.Caption == "" {
					out.NextPost.Caption = trimmed
				}
				continue
			}
			value := strings.TrimSpace(m[2])
			switch label := strings.ToLower(m[1]); {
			case label == "caption":
				out.NextPost.Caption = value
			case label == "hashtags":
				out.NextPost.Hashtags = normalizeHashtags(splitList(value))
			case label == "cta" || strings.HasPrefix(label, "call"):
				out.NextPost.CallToAction = value
			default:
				out.NextPost.ImagePrompt = value
			}
		}
	}

	out.PrimaryAnalysis = strings.Join(analysis, "\n")
	if !out.usable() {
		return nil
	}
	return out
}
