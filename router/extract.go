package router

// maxExtractBytes caps how far into a model reply the extractor scans and
// how large the returned fragment may be. Model replies that bury the JSON
// deeper than this are treated as classification failures.
const maxExtractBytes = 2048

// extractJSON returns the first balanced {...} fragment of s, honoring
// string literals and escapes so braces inside quoted text do not count.
// Returns false when no balanced fragment exists within the size cap.
func extractJSON(s string) (string, bool) {
	if len(s) > maxExtractBytes {
		s = s[:maxExtractBytes]
	}
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
