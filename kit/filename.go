package kit

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}_.\-]`)
	dotRuns     = regexp.MustCompile(`\.{2,}`)
)

// SanitizeFilename keeps only the base name, replaces anything outside
// letters, digits, underscore, dot and dash with an underscore, and strips
// ".." runs and leading dots so no parent-directory token survives.
// Never returns an empty string.
func SanitizeFilename(raw string) string {
	if raw == "" {
		return "upload"
	}
	name := filepath.Base(raw)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = dotRuns.ReplaceAllString(name, ".")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "upload"
	}
	return name
}
