package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var extractionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Processing image \[(\d+)/(\d+)\]`),
	regexp.MustCompile(`(?i)Processed file \[(\d+)/(\d+)\]`),
	regexp.MustCompile(`(?i)Processing image (\d+)/(\d+)`),
	regexp.MustCompile(`(?i)Processed image (\d+)/(\d+)`),
	regexp.MustCompile(`(?i)Processing\s+(\d+)\s*/\s*(\d+)`),
	regexp.MustCompile(`(?i)Extracting.*\s(\d+)\s*/\s*(\d+)`),
	regexp.MustCompile(`(?i)Image\s+(\d+)\s*/\s*(\d+)`),
	regexp.MustCompile(`(?i)(\d+)\s*/\s*(\d+)\s*images?`),
	regexp.MustCompile(`(?i)Features\s+(\d+)\s*/\s*(\d+)`),
}

// FeatureExtraction tracks COLMAP feature_extractor progress. The image
// count is known up front, so totals printed by the tool are overridden
// when they disagree. Lines that mention processing but match no pattern
// still advance a fallback counter.
type FeatureExtraction struct {
	totalImages int
	fallback    int
}

func NewFeatureExtraction(totalImages int) *FeatureExtraction {
	return &FeatureExtraction{totalImages: totalImages}
}

// Parse extracts an images-processed counter from one output line.
func (p *FeatureExtraction) Parse(line string) (Update, bool) {
	if p.totalImages == 0 {
		return Update{}, false
	}

	for _, re := range extractionPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		current, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total != p.totalImages {
			total = p.totalImages
		}
		if current > total {
			current = total
		}
		return Update{
			Percent: current * 100 / total,
			Detail:  fmt.Sprintf("Images processed: %d/%d", current, total),
		}, true
	}

	lower := strings.ToLower(line)
	if strings.Contains(lower, "processed") || strings.Contains(lower, "processing") {
		p.fallback++
		current := p.fallback
		if current > p.totalImages {
			current = p.totalImages
		}
		return Update{
			Percent: current * 100 / p.totalImages,
			Detail:  fmt.Sprintf("Images processed: %d/%d", current, p.totalImages),
		}, true
	}
	return Update{}, false
}
