package cache

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Key derives a deterministic cache key from its parts.
func Key(parts ...string) string {
	// unit separator keeps ("ab","c") and ("a","bc") apart
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// SkillsKey builds a key from a skill list that is insensitive to order,
// case, surrounding whitespace and duplicates.
func SkillsKey(scope string, skills []string) string {
	return Key(scope, NormalizeSkills(skills))
}

// NormalizeSkills trims, lower-cases, dedupes and sorts skills, joined by "|".
func NormalizeSkills(skills []string) string {
	seen := make(map[string]struct{}, len(skills))
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, "|")
}
