package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var matchingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Matching block \[(\d+)/(\d+)\]`),
	regexp.MustCompile(`(?i)Matching image \[(\d+)/(\d+)\]`),
	regexp.MustCompile(`(?i)Matching pair \[(\d+)/(\d+)\]`),
	regexp.MustCompile(`(?i)Processing pair (\d+)/(\d+)`),
	regexp.MustCompile(`(?i)Matching\s+(\d+)\s*/\s*(\d+)`),
	regexp.MustCompile(`(?i)(\d+)/(\d+)\s+matches`),
	regexp.MustCompile(`(?i)Pair\s+(\d+)\s*/\s*(\d+)`),
	regexp.MustCompile(`\[(\d+)/(\d+)\]`),
}

// IsGPUMemoryError reports whether a matcher output line indicates GPU
// memory exhaustion. These lines trigger the CPU retry path.
func IsGPUMemoryError(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "not enough gpu memory") ||
		strings.Contains(lower, "failed to create feature matcher")
}

// Matching tracks COLMAP matcher pair/block counters. The pair total is
// only known from the tool's own output, so the last seen counter is kept
// for the completion detail.
type Matching struct {
	Current int
	Total   int
}

func NewMatching() *Matching { return &Matching{} }

// Parse extracts a pairs-matched counter from one output line.
func (p *Matching) Parse(line string) (Update, bool) {
	for _, re := range matchingPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		current, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		p.Current = current
		p.Total = total
		if total <= 0 {
			return Update{}, false
		}
		capped := current
		if capped > total {
			capped = total
		}
		return Update{
			Percent: capped * 100 / total,
			Detail:  fmt.Sprintf("Matching pairs: %d/%d", current, total),
		}, true
	}
	return Update{}, false
}
