package llm

import "bytes"

// synthesisObject returns the first balanced JSON object in model output
// with // comments and trailing commas removed. Markdown fences and prose
// around the object are skipped. It returns "" when no complete object is
// present.
func synthesisObject(content string) string {
	start := bytes.IndexByte([]byte(content), '{')
	if start < 0 {
		return ""
	}

	out := make([]byte, 0, len(content)-start)
	depth := 0
	quoted, escaped := false, false
	for i := start; i < len(content); i++ {
		c := content[i]
		if quoted {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				quoted = false
			}
			continue
		}

		switch c {
		case '"':
			quoted = true
		case '/':
			if i+1 < len(content) && content[i+1] == '/' {
				// Resume at the newline so line structure is kept.
				nl := bytes.IndexByte([]byte(content[i:]), '\n')
				if nl < 0 {
					return ""
				}
				i += nl - 1
				continue
			}
		case '{', '[':
			depth++
		case '}', ']':
			out = dropTrailingComma(out)
			depth--
		}
		out = append(out, c)
		if depth == 0 {
			return string(out)
		}
	}
	return ""
}

func dropTrailingComma(out []byte) []byte {
	trimmed := bytes.TrimRight(out, " \t\r\n")
	if n := len(trimmed); n > 0 && trimmed[n-1] == ',' {
		return trimmed[:n-1]
	}
	return out
}
