package llm

import "strings"

// extractJSON pulls the first JSON object or array out of model output.
// Models wrap JSON in prose and markdown fences and emit JS-isms (line
// comments, trailing commas); the scanner tolerates all three. Returns ""
// when no balanced document is found.
func extractJSON(text string) string {
	if fenced, ok := fencedBlock(text); ok {
		if doc := scanDocument(fenced); doc != "" {
			return doc
		}
	}
	return scanDocument(text)
}

// fencedBlock returns the contents of the first ``` block whose language
// tag is empty or "json".
func fencedBlock(text string) (string, bool) {
	for {
		open := strings.Index(text, "```")
		if open < 0 {
			return "", false
		}
		rest := text[open+3:]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return "", false
		}
		body := rest[nl+1:]
		end := strings.Index(body, "```")
		if end < 0 {
			return "", false
		}
		if lang := strings.TrimSpace(rest[:nl]); lang == "" || strings.EqualFold(lang, "json") {
			return body[:end], true
		}
		text = body[end+3:]
	}
}

// scanDocument finds the first balanced object or array and returns it
// sanitized. Braces inside strings and comments do not count toward depth.
func scanDocument(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	text = text[start:]

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
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
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return sanitizeJSON(text[:i+1])
			}
		case '/':
			if i+1 < len(text) && text[i+1] == '/' {
				for i < len(text) && text[i] != '\n' {
					i++
				}
			}
		}
	}
	return ""
}

// sanitizeJSON strips line comments outside strings and trailing commas so
// the result parses as strict JSON.
func sanitizeJSON(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			b.WriteByte(ch)
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
		switch {
		case ch == '"':
			inString = true
			b.WriteByte(ch)
		case ch == '/' && i+1 < len(raw) && raw[i+1] == '/':
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			if i < len(raw) {
				b.WriteByte('\n')
			}
		case ch == ',' && nextCloses(raw, i+1):
			// Trailing comma; drop it.
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// nextCloses reports whether the next significant byte after a comma closes
// a container, skipping whitespace and line comments.
func nextCloses(raw string, i int) bool {
	for i < len(raw) {
		switch raw[i] {
		case ' ', '\t', '\r', '\n':
			i++
		case '/':
			if i+1 < len(raw) && raw[i+1] == '/' {
				for i < len(raw) && raw[i] != '\n' {
					i++
				}
				continue
			}
			return false
		case '}', ']':
			return true
		default:
			return false
		}
	}
	return false
}
