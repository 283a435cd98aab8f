package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var trainingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Iteration\s+(\d+)/(\d+)`),
	regexp.MustCompile(`(?i)Step\s+(\d+)/(\d+)`),
	regexp.MustCompile(`(?i)Epoch\s+(\d+)/(\d+)`),
	regexp.MustCompile(`(?i)Progress:\s+(\d+)/(\d+)`),
	regexp.MustCompile(`(?i)Training\s+(\d+)/(\d+)`),
	regexp.MustCompile(`(?i)iter\s*:\s*(\d+)\s*/\s*(\d+)`),
	regexp.MustCompile(`(?i)(\d+)\s*/\s*(\d+)\s*iterations?`),
	regexp.MustCompile(`(?i)Iteration\s+(\d+)\s+\(.*?\)\s*/\s*(\d+)`),
	regexp.MustCompile(`\[(\d+)/(\d+)\]`),
	regexp.MustCompile(`(?i)it\s*(\d+)/(\d+)`),
	regexp.MustCompile(`(?i)step\s*(\d+)\s*/\s*(\d+)`),
}

var bareNumberRe = regexp.MustCompile(`(\d+)`)

// Training parses gaussian splatting trainer output. The iteration total is
// configured up front, so mismatching totals in the output are overridden.
// Lines that mention iterations without an x/y counter fall back to a bare
// number scan validated against the expected total.
type Training struct {
	expectedTotal int
	Current       int
	Total         int
}

func NewTraining(expectedIterations int) *Training {
	return &Training{expectedTotal: expectedIterations, Total: expectedIterations}
}

func (p *Training) Parse(line string) (Update, bool) {
	for _, re := range trainingPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		current, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		p.Current = current
		p.Total = total
		if p.expectedTotal > 0 && total != p.expectedTotal {
			total = p.expectedTotal
		}
		if total <= 0 {
			return Update{}, false
		}
		capped := current
		if capped > total {
			capped = total
		}
		return Update{
			Percent: capped * 100 / total,
			Detail:  fmt.Sprintf("Training iterations: %d/%d", current, total),
		}, true
	}

	lower := strings.ToLower(line)
	if strings.Contains(lower, "iteration") || strings.Contains(lower, "step") {
		m := bareNumberRe.FindStringSubmatch(line)
		if m != nil {
			current, _ := strconv.Atoi(m[1])
			if p.expectedTotal > 0 && current <= p.expectedTotal {
				p.Current = current
				p.Total = p.expectedTotal
				return Update{
					Percent: current * 100 / p.expectedTotal,
					Detail:  fmt.Sprintf("Training iterations: %d/%d", current, p.expectedTotal),
				}, true
			}
		}
	}
	return Update{}, false
}
