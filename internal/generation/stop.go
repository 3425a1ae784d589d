package generation

import "strings"

// matchStop returns the first stop sequence, in caller order, that text ends
// with.
func matchStop(text string, stops []string) (string, bool) {
	for _, s := range stops {
		if s != "" && strings.HasSuffix(text, s) {
			return s, true
		}
	}
	return "", false
}
