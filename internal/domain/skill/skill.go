package skill

import "strings"

// Level is the proficiency attached to a skill, both on the company
// side (what a company can handle) and on the job side (what the work
// requires).
type Level string

const (
	LevelBasic        Level = "basic"
	LevelIntermediate Level = "intermediate"
	LevelExpert       Level = "expert"
)

func (l Level) IsValid() bool {
	switch l {
	case LevelBasic, LevelIntermediate, LevelExpert:
		return true
	}
	return false
}

// Rank maps a level onto the numeric scale used by the matching
// engine: basic=1, intermediate=2, expert=3. Unknown levels rank 0.
func (l Level) Rank() float64 {
	switch l {
	case LevelBasic:
		return 1
	case LevelIntermediate:
		return 2
	case LevelExpert:
		return 3
	}
	return 0
}

// Parse normalizes raw input into a Level. The zero value of ok means
// the input named no known level.
func Parse(raw string) (Level, bool) {
	l := Level(strings.ToLower(strings.TrimSpace(raw)))
	if !l.IsValid() {
		return "", false
	}
	return l, true
}

// Normalize lowercases and trims a skill name so that "Plumbing " and
// "plumbing" count as the same skill everywhere.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
