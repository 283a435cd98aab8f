package progress

import (
	"regexp"
	"strconv"
)

var ffmpegFrameRe = regexp.MustCompile(`frame=\s*(\d+)`)

// ParseFFmpegFrame extracts the frame counter from an ffmpeg status line.
func ParseFFmpegFrame(line string) (int, bool) {
	m := ffmpegFrameRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
