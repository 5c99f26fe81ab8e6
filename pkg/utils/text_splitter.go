package utils

import (
	"regexp"
	"strings"
)

var (
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)
)

// CleanText drops NUL bytes, collapses runs of spaces/tabs and limits blank lines to one.
func CleanText(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\x00", " "))
	text = horizontalSpace.ReplaceAllString(text, " ")
	return blankRuns.ReplaceAllString(text, "\n\n")
}

// SplitText cleans text and cuts it into chunks of at most chunkSize runes, each
// starting overlap runes before the previous one ended. Blank chunks are skipped.
func SplitText(text string, chunkSize int, overlap int) []string {
	runes := []rune(CleanText(text))
	if chunkSize <= 0 {
		chunkSize = len(runes)
	}
	if overlap >= chunkSize {
		overlap = 0 // fallback, otherwise the window never advances
	}

	var chunks []string
	for i := 0; i < len(runes); {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if c := strings.TrimSpace(string(runes[i:end])); c != "" {
			chunks = append(chunks, c)
		}
		if end == len(runes) {
			break
		}
		i = end - overlap
	}
	return chunks
}

// Truncate returns at most max runes of text.
func Truncate(text string, max int) string {
	runes := []rune(text)
	if max < 0 || len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
