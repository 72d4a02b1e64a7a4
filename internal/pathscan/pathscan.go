// Package pathscan extracts plausible generated-file paths from tool output.
// The scan is explicitly approximate: it runs after message handling and a
// miss costs nothing more than an unlinked file in the UI.
package pathscan

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Recognized artifact extensions. Source files are deliberately excluded;
// the scan surfaces deliverables, not every touched file.
var artifactExtensions = map[string]bool{
	".pdf": true, ".docx": true, ".xlsx": true, ".pptx": true,
	".csv": true, ".md": true, ".html": true, ".txt": true, ".json": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".mp3": true, ".mp4": true, ".wav": true, ".zip": true,
}

var candidatePattern = regexp.MustCompile(`[\w~][\w./~\-]*\.[A-Za-z0-9]{2,5}`)

// Scan returns absolute paths of files mentioned in output that exist under
// workDir. Relative mentions are resolved against workDir; anything outside
// it is dropped.
func Scan(output, workDir string) []string {
	if output == "" || workDir == "" {
		return nil
	}
	absWork, err := filepath.Abs(workDir)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var found []string
	for _, candidate := range candidatePattern.FindAllString(output, -1) {
		if strings.Contains(candidate, "://") {
			continue
		}
		if !artifactExtensions[strings.ToLower(filepath.Ext(candidate))] {
			continue
		}

		path := candidate
		if !filepath.IsAbs(path) {
			path = filepath.Join(absWork, path)
		}
		path = filepath.Clean(path)
		if path != absWork && !strings.HasPrefix(path, absWork+string(filepath.Separator)) {
			continue
		}
		if seen[path] {
			continue
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		seen[path] = true
		found = append(found, path)
	}
	return found
}
