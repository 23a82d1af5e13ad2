package ytdlp

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// parseProgress extracts the fields of a yt-dlp "[download]" progress line,
// e.g. "12.5% of 4.00MiB at 2.00MiB/s ETA 00:10". Parsing is best effort:
// the format is human-oriented and changes across yt-dlp versions, so any
// line that does not match is skipped rather than treated as an error.
func parseProgress(content string) (percentage float64, total int64, downloaded int64, speed int64, eta time.Duration, ok bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return 0, 0, 0, 0, 0, false
	}

	value := fields[0]
	if !strings.HasSuffix(value, "%") {
		return 0, 0, 0, 0, 0, false
	}

	pct, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
	if err != nil {
		return 0, 0, 0, 0, 0, false
	}

	percentage = math.Max(0, math.Min(100, pct))

	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "of":
			if i+1 < len(fields) {
				total = parseSize(fields[i+1])
				i++
			}
		case "at":
			if i+1 < len(fields) {
				speed = parseSpeed(fields[i+1])
				i++
			}
		case "ETA":
			if i+1 < len(fields) {
				eta = parseETA(fields[i+1])
				i++
			}
		}
	}

	if total > 0 {
		downloaded = int64(percentage / 100 * float64(total))
	}

	return percentage, total, downloaded, speed, eta, true
}

func parseSize(value string) int64 {
	cleaned := strings.Trim(value, "~,")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || strings.EqualFold(cleaned, "unknown") || strings.EqualFold(cleaned, "n/a") {
		return 0
	}

	var numPart, unitPart string
	for i, r := range cleaned {
		if (r < '0' || r > '9') && r != '.' {
			numPart = cleaned[:i]
			unitPart = cleaned[i:]

			break
		}
	}

	if numPart == "" {
		numPart = cleaned
	}

	unitPart = strings.TrimSpace(unitPart)
	num, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0
	}

	unit := strings.ToUpper(unitPart)
	switch unit {
	case "", "B":
		return int64(num)
	case "KIB":
		return int64(num * 1024)
	case "MIB":
		return int64(num * 1024 * 1024)
	case "GIB":
		return int64(num * 1024 * 1024 * 1024)
	case "TIB":
		return int64(num * 1024 * 1024 * 1024 * 1024)
	case "KB":
		return int64(num * 1000)
	case "MB":
		return int64(num * 1000 * 1000)
	case "GB":
		return int64(num * 1000 * 1000 * 1000)
	case "TB":
		return int64(num * 1000 * 1000 * 1000 * 1000)
	}

	return 0
}

func parseSpeed(value string) int64 {
	cleaned := strings.TrimSuffix(value, "/s")

	return parseSize(cleaned)
}

func parseETA(value string) time.Duration {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" || strings.EqualFold(cleaned, "unknown") || strings.EqualFold(cleaned, "n/a") {
		return 0
	}

	parts := strings.Split(cleaned, ":")
	if len(parts) == 2 {
		m, err1 := strconv.Atoi(parts[0])
		s, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return 0
		}

		return time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	}

	if len(parts) == 3 {
		h, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		s, err3 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return 0
		}

		return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	}

	return 0
}

// extractQuotedPath pulls the last double-quoted segment out of a line, used
// for "[Merger] Merging formats into ..." and "[Moving] ..." output.
func extractQuotedPath(line string) string {
	start := strings.Index(line, "\"")
	end := strings.LastIndex(line, "\"")
	if start >= 0 && end > start {
		return line[start+1 : end]
	}

	return ""
}
