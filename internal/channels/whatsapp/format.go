package whatsapp

import (
	"regexp"
	"strings"
)

var (
	boldPattern    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strikePattern  = regexp.MustCompile(`~~(.+?)~~`)
	headerPattern  = regexp.MustCompile(`(?m)^#{1,6}\s+(.+?)\s*#*$`)
	bulletPattern  = regexp.MustCompile(`(?m)^(\s*)[-+]\s+`)
	linkPattern    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	imagePattern   = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	htmlTagPattern = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	inlineCode     = regexp.MustCompile("`[^`\n]+`")
)

// FormatMessage rewrites model markdown into WhatsApp markup: *bold*,
// _italic_, ~strike~ and ``` fences. Text inside code is left alone.
func FormatMessage(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	parts := strings.Split(markdown, "```")
	for i := range parts {
		// Odd indexes are inside a fence
		if i%2 == 0 {
			parts[i] = formatProse(parts[i])
		}
	}
	text := strings.Join(parts, "```")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

func formatProse(text string) string {
	// Shelve inline code spans so the patterns below cannot reach into them
	var spans []string
	text = inlineCode.ReplaceAllStringFunc(text, func(s string) string {
		spans = append(spans, s)
		return "\x00"
	})

	text = imagePattern.ReplaceAllString(text, "$2")
	text = linkPattern.ReplaceAllString(text, "$1 ($2)")
	text = headerPattern.ReplaceAllString(text, "*$1*")
	text = boldPattern.ReplaceAllString(text, "*$1*")
	text = strikePattern.ReplaceAllString(text, "~$1~")
	text = bulletPattern.ReplaceAllString(text, "${1}• ")
	text = htmlTagPattern.ReplaceAllString(text, "")

	for _, s := range spans {
		text = strings.Replace(text, "\x00", s, 1)
	}
	return text
}
