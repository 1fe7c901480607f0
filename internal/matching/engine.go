// Package matching scores candidate companies against a job's skill
// requirements. It is pure, with no I/O or clock reads, so the same
// inputs always produce the same ranking.
package matching

import (
	"sort"

	"github.com/samber/lo"

	"github.com/fieldsync/dispatch/internal/domain/company"
	"github.com/fieldsync/dispatch/internal/domain/skill"
)

const (
	missingRequiredPenalty = 2.0
	primarySkillBonus      = 1.5
	activeBonus            = 0.5
	providerBonus          = 0.3
	partialLevelFactor     = 0.5
	surplusLevelFactor     = 0.5
)

// Requirements is the job side of a match: which skills the work needs
// and at what level.
type Requirements struct {
	RequiredSkills []string
	SkillLevels    map[string]skill.Level
	Category       *string
	Location       *string
}

// Match is one scored candidate, ordered best-first by the engine.
type Match struct {
	CompanyID     string   `json:"companyId"`
	CompanyName   string   `json:"companyName"`
	ProviderType  string   `json:"providerType"`
	Score         float64  `json:"score"`
	MatchedSkills []string `json:"matchedSkills"`
	MissingSkills []string `json:"missingSkills,omitempty"`
}

// levelScore rewards meeting or beating the required level and gives
// partial credit below it. A company at the exact level earns that
// level's rank; each rank of surplus adds half a point; a company
// below requirement earns half its own rank.
func levelScore(required, have skill.Level) float64 {
	rv, hv := required.Rank(), have.Rank()
	if hv >= rv {
		return hv + surplusLevelFactor*(hv-rv)
	}
	return partialLevelFactor * hv
}

// Score rates one candidate against the requirements. Skill levels are
// walked in sorted-name order so matched/missing lists come out stable.
func Score(req Requirements, c company.WithSkills) Match {
	m := Match{
		CompanyID:    c.ID,
		CompanyName:  c.Name,
		ProviderType: string(c.ProviderType),
	}

	levels := make(map[string]skill.Level, len(c.Skills))
	primary := make(map[string]bool, len(c.Skills))
	for _, s := range c.Skills {
		levels[s.Name] = s.Level
		if s.IsPrimary {
			primary[s.Name] = true
		}
	}

	required := make(map[string]bool, len(req.RequiredSkills))
	for _, name := range req.RequiredSkills {
		required[skill.Normalize(name)] = true
	}

	names := lo.Keys(req.SkillLevels)
	sort.Strings(names)

	score := 0.0
	for _, name := range names {
		want := req.SkillLevels[name]
		have, ok := levels[skill.Normalize(name)]
		if !ok {
			m.MissingSkills = append(m.MissingSkills, name)
			if required[skill.Normalize(name)] {
				score -= missingRequiredPenalty
			}
			continue
		}
		m.MatchedSkills = append(m.MatchedSkills, name)
		score += levelScore(want, have)
	}

	for name := range required {
		if primary[name] {
			score += primarySkillBonus
		}
	}

	if c.IsActive {
		score += activeBonus
	}
	if c.ProviderType != "" {
		score += providerBonus
	}

	if score < 0 {
		score = 0
	}
	m.Score = score
	return m
}

// Rank scores every candidate and returns them best-first. Ties keep
// the input order, so callers that pass candidates in a stable order
// get a deterministic ranking. maxResults <= 0 means no cap.
func Rank(req Requirements, candidates []company.WithSkills, maxResults int) []Match {
	matches := lo.Map(candidates, func(c company.WithSkills, _ int) Match {
		return Score(req, c)
	})

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if maxResults > 0 && len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches
}

// Best returns the single top match, excluding the company that raised
// the job. ok is false when no candidate remains.
func Best(req Requirements, candidates []company.WithSkills, excludeCompanyID string) (Match, bool) {
	pool := lo.Filter(candidates, func(c company.WithSkills, _ int) bool {
		return c.ID != excludeCompanyID
	})

	ranked := Rank(req, pool, 1)
	if len(ranked) == 0 {
		return Match{}, false
	}
	return ranked[0], true
}
