package condition

import (
	"regexp"
	"strconv"
)

// MaxPatternLength is the longest pattern a rule may use with matches/not_matches.
const MaxPatternLength = 500

// MaxRepetitionBound is the largest {n,m} bound accepted. RE2 refuses larger
// counts at compile time as well.
const MaxRepetitionBound = 1000

// Go's regexp is RE2 and runs in linear time, so none of these shapes can
// backtrack catastrophically here. They are still refused: they are the
// signature of hostile rule content and the same rules may be evaluated by
// backtracking engines elsewhere.
var (
	// (x+)+  (x*)*  (x+)*  (.*)+  and the {n,} forms of the outer quantifier.
	nestedQuantifier = regexp.MustCompile(`\([^()]*[+*}]\)\s*[+*{]`)
	// (a|b)+ and friends.
	quantifiedAlternation = regexp.MustCompile(`\([^()]*\|[^()]*\)\s*[+*{]`)
	// {n} {n,} {n,m}
	repetitionBound = regexp.MustCompile(`\{(\d+)(?:,(\d*))?\}`)
)

// SafePattern compiles pattern if it passes the ReDoS guard. The second
// result is false when the pattern is too long, has a flagged shape, or
// does not compile.
func SafePattern(pattern string) (*regexp.Regexp, bool) {
	if pattern == "" || len(pattern) > MaxPatternLength {
		return nil, false
	}
	if nestedQuantifier.MatchString(pattern) || quantifiedAlternation.MatchString(pattern) {
		return nil, false
	}
	for _, m := range repetitionBound.FindAllStringSubmatch(pattern, -1) {
		for _, bound := range m[1:] {
			if bound == "" {
				continue
			}
			n, err := strconv.Atoi(bound)
			if err != nil || n > MaxRepetitionBound {
				return nil, false
			}
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	return re, true
}
