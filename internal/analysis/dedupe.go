package analysis

import "strings"

// RemoveDuplicateParagraphs drops exact repeats of earlier paragraphs, a
// failure mode of long-form generation where the model loops. Returns the
// cleaned text and how many paragraphs were removed.
func RemoveDuplicateParagraphs(content string) (string, int) {
	paragraphs := strings.Split(content, "\n\n")
	seen := make(map[string]bool, len(paragraphs))
	kept := make([]string, 0, len(paragraphs))
	removed := 0

	for _, p := range paragraphs {
		key := strings.TrimSpace(p)
		if key == "" {
			kept = append(kept, p)
			continue
		}
		if seen[key] {
			removed++
			continue
		}
		seen[key] = true
		kept = append(kept, p)
	}

	if removed == 0 {
		return content, 0
	}
	return strings.Join(kept, "\n\n"), removed
}
