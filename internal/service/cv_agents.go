package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/cache"
)

// Agent names, in pipeline order.
const (
	AgentProfile = "profile"
	AgentSkills  = "skills"
	AgentCareer  = "career"
	AgentMarket  = "market"
	AgentSummary = "summary"
)

// MinCVLength is the shortest CV text worth analysing.
const MinCVLength = 50

// maxFallbackStrengths bounds the strengths listed by the skills fallback.
const maxFallbackStrengths = 5

// StageOptions tunes the CV stages.
type StageOptions struct {
	SkillsTTL time.Duration
	MarketTTL time.Duration
	// MarketTools are backend capabilities enabled for market research,
	// e.g. "google_search".
	MarketTools []string
}

// CVStages returns the CV analysis pipeline: profile extraction is critical,
// everything after it is optional enrichment.
func CVStages(opts StageOptions) []Stage {
	return []Stage{
		{
			Name:         AgentProfile,
			Critical:     true,
			RequiredKeys: []string{"name", "skills", "experience"},
			BuildPrompt:  profilePrompt,
		},
		{
			Name:         AgentSkills,
			RequiredKeys: []string{"strengths", "gaps"},
			BuildPrompt:  skillsPrompt,
			CacheKey: func(acc map[string]any) string {
				return cache.SkillsKey(strings.ToLower(targetRole(acc)), profileSkills(acc))
			},
			CacheTTL: opts.SkillsTTL,
			Fallback: skillsFallback,
		},
		{
			Name:         AgentCareer,
			RequiredKeys: []string{"paths"},
			BuildPrompt:  careerPrompt,
			Fallback:     careerFallback,
		},
		{
			Name:         AgentMarket,
			RequiredKeys: []string{"demand"},
			Tools:        opts.MarketTools,
			BuildPrompt:  marketPrompt,
			CacheKey: func(acc map[string]any) string {
				scope := strings.ToLower(targetRole(acc) + "|" + stringField(section(acc, "input"), "location"))
				return cache.SkillsKey(scope, profileSkills(acc))
			},
			CacheTTL: opts.MarketTTL,
			Fallback: marketFallback,
		},
		{
			Name:         AgentSummary,
			RequiredKeys: []string{"summary", "score"},
			BuildPrompt:  summaryPrompt,
			Fallback:     summaryFallback,
		},
	}
}

// ============================================================
// Prompts
// ============================================================

func profilePrompt(acc map[string]any) (domain.Content, error) {
	cv := strings.TrimSpace(stringField(section(acc, "input"), "cvText"))
	if len(cv) < MinCVLength {
		return domain.Content{}, &domain.ErrValidation{
			Field:   "cvText",
			Message: fmt.Sprintf("must contain at least %d characters", MinCVLength),
		}
	}
	var b strings.Builder
	b.WriteString("You extract structured data from a CV.\n")
	b.WriteString(`Respond with one JSON object with keys "name" (string), "headline" (string), `)
	b.WriteString(`"skills" (array of strings), "experience" (array of {"title","company","years"}) `)
	b.WriteString(`and "education" (array of strings). Do not invent data that is not in the CV.`)
	b.WriteString("\n\nCV:\n")
	b.WriteString(cv)
	return domain.TextContent(b.String()), nil
}

func skillsPrompt(acc map[string]any) (domain.Content, error) {
	skills := profileSkills(acc)
	if len(skills) == 0 {
		return domain.Content{}, &domain.ErrValidation{Field: "skills", Message: "at least one skill is required"}
	}
	var b strings.Builder
	b.WriteString("You assess a candidate's skills")
	if role := targetRole(acc); role != "" {
		fmt.Fprintf(&b, " against the role %q", role)
	}
	b.WriteString(".\n")
	b.WriteString(`Respond with one JSON object with keys "strengths" (array of strings), `)
	b.WriteString(`"gaps" (array of strings) and "recommendations" (array of strings).`)
	b.WriteString("\n\nSkills:\n")
	b.WriteString(strings.Join(skills, ", "))
	return domain.TextContent(b.String()), nil
}

func careerPrompt(acc map[string]any) (domain.Content, error) {
	profile := section(acc, "profile")
	if len(profileSkills(acc)) == 0 && len(experienceTitles(profile)) == 0 {
		return domain.Content{}, &domain.ErrValidation{Field: "profile", Message: "skills or experience are required"}
	}
	var b strings.Builder
	b.WriteString("You suggest realistic next career steps for a candidate.\n")
	b.WriteString(`Respond with one JSON object with key "paths": an array of `)
	b.WriteString(`{"title","rationale","timeframe"} ordered by fit.`)
	writeContext(&b, "Profile", profile)
	if s := usable(section(acc, AgentSkills)); s != nil {
		writeContext(&b, "Skills assessment", s)
	}
	if role := targetRole(acc); role != "" {
		fmt.Fprintf(&b, "\n\nTarget role: %s", role)
	}
	return domain.TextContent(b.String()), nil
}

func marketPrompt(acc map[string]any) (domain.Content, error) {
	skills := profileSkills(acc)
	if len(skills) == 0 {
		return domain.Content{}, &domain.ErrValidation{Field: "skills", Message: "at least one skill is required"}
	}
	var b strings.Builder
	b.WriteString("You research current job market demand for a skill set.\n")
	b.WriteString(`Respond with one JSON object with keys "demand" ("low", "medium" or "high"), `)
	b.WriteString(`"trendingSkills" (array of strings) and "salaryRange" (string).`)
	fmt.Fprintf(&b, "\n\nSkills: %s", strings.Join(skills, ", "))
	if role := targetRole(acc); role != "" {
		fmt.Fprintf(&b, "\nTarget role: %s", role)
	}
	if loc := stringField(section(acc, "input"), "location"); loc != "" {
		fmt.Fprintf(&b, "\nLocation: %s", loc)
	}
	return domain.TextContent(b.String()), nil
}

func summaryPrompt(acc map[string]any) (domain.Content, error) {
	profile := section(acc, "profile")
	if len(profile) == 0 {
		return domain.Content{}, &domain.ErrValidation{Field: "profile", Message: "is required"}
	}
	var b strings.Builder
	b.WriteString("You write a short hiring summary of a candidate.\n")
	b.WriteString(`Respond with one JSON object with keys "summary" (string, at most 80 words) `)
	b.WriteString(`and "score" (integer 0-100 rating overall profile strength).`)
	writeContext(&b, "Profile", profile)
	for _, name := range []string{AgentSkills, AgentCareer, AgentMarket} {
		if s := usable(section(acc, name)); s != nil {
			writeContext(&b, name, s)
		}
	}
	return domain.TextContent(b.String()), nil
}

func writeContext(b *strings.Builder, title string, v map[string]any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(b, "\n\n%s:\n%s", title, raw)
}

// ============================================================
// Fallbacks
// ============================================================

func skillsFallback(acc map[string]any) map[string]any {
	skills := profileSkills(acc)
	if len(skills) > maxFallbackStrengths {
		skills = skills[:maxFallbackStrengths]
	}
	return map[string]any{
		"strengths":       skills,
		"gaps":            []string{},
		"recommendations": []string{},
	}
}

func careerFallback(acc map[string]any) map[string]any {
	title := targetRole(acc)
	rationale := "Matches the requested target role."
	if title == "" {
		if titles := experienceTitles(section(acc, "profile")); len(titles) > 0 {
			title = "Senior " + titles[0]
			rationale = "Natural progression from the most recent role."
		}
	}
	paths := []map[string]any{}
	if title != "" {
		paths = append(paths, map[string]any{"title": title, "rationale": rationale, "timeframe": "unknown"})
	}
	return map[string]any{"paths": paths}
}

func marketFallback(acc map[string]any) map[string]any {
	return map[string]any{
		"demand":         "unknown",
		"trendingSkills": []string{},
		"salaryRange":    "unknown",
	}
}

func summaryFallback(acc map[string]any) map[string]any {
	profile := section(acc, "profile")
	name := stringField(profile, "name")
	if name == "" {
		name = "Candidate"
	}
	skills := profileSkills(acc)
	roles := experienceTitles(profile)

	score := 40 + 4*len(skills) + 6*len(roles)
	if score > 100 {
		score = 100
	}
	return map[string]any{
		"summary": fmt.Sprintf("%s lists %d skills across %d roles.", name, len(skills), len(roles)),
		"score":   score,
	}
}

// ============================================================
// Accumulator access
// ============================================================

func section(acc map[string]any, name string) map[string]any {
	m, _ := acc[name].(map[string]any)
	return m
}

// usable returns s unless it is the placeholder left by a failed stage.
func usable(s map[string]any) map[string]any {
	if len(s) == 0 {
		return nil
	}
	if _, failed := s["error"]; failed {
		if _, ok := s["details"]; ok {
			return nil
		}
	}
	return s
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func targetRole(acc map[string]any) string {
	return stringField(section(acc, "input"), "targetRole")
}

func profileSkills(acc map[string]any) []string {
	return stringList(section(acc, "profile")["skills"], "name")
}

func experienceTitles(profile map[string]any) []string {
	return stringList(profile["experience"], "title", "role")
}

// stringList reads a list of strings, or of objects carrying one of keys.
func stringList(v any, keys ...string) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			add(s)
		}
	case []any:
		for _, item := range list {
			switch it := item.(type) {
			case string:
				add(it)
			case map[string]any:
				for _, k := range keys {
					if s, ok := it[k].(string); ok && s != "" {
						add(s)
						break
					}
				}
			}
		}
	}
	return out
}
