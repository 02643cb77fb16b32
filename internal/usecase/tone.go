package usecase

import "regexp"

// toneCategory names the class of problem found in a candidate reply.
type toneCategory string

const (
	toneBlame      toneCategory = "blame"
	toneComparison toneCategory = "comparison"
	toneCommand    toneCategory = "command"
	toneJudgment   toneCategory = "judgment"
)

// toneCheck pairs a category with one compiled pattern. Checks run in order
// and the first match wins, so categories earlier in the list take precedence
// when a candidate trips more than one.
type toneCheck struct {
	category toneCategory
	pattern  *regexp.Regexp
}

// The pattern set is fixed and deliberately blunt: a reply that merely looks
// like blame, comparison, command or judgment is replaced by the neutral
// fallback rather than risked. Patterns cover English and Swedish phrasing.
var toneChecks = []toneCheck{
	{toneBlame, regexp.MustCompile(`(?i)\b(your fault|you never|you always|because of you|din skuld|du aldrig|du alltid)\b`)},
	{toneComparison, regexp.MustCompile(`(?i)\b(more than|less than|better than|worse than|unlike [A-Za-zÅÄÖåäö]+|mer än|mindre än|bättre än|sämre än)\b`)},
	{toneCommand, regexp.MustCompile(`(?i)\b(you should|you must|you need to|you have to|go (do|clean|wash)|du borde|du måste|du ska)\b`)},
	{toneJudgment, regexp.MustCompile(`(?i)\b(lazy|sloppy|finally|about time|not enough|disappointing|lat|slarvig|äntligen|på tiden)\b`)},
}

// ValidateTone checks a candidate reply against the fixed pattern set and
// returns the first matching category. Pure and deterministic; no I/O.
func ValidateTone(text string) (valid bool, category string) {
	for _, check := range toneChecks {
		if check.pattern.MatchString(text) {
			return false, string(check.category)
		}
	}
	return true, ""
}
