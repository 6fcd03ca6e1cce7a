package shellsafe

import (
	"regexp"
	"strings"
)

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_-]*\n)?(.*?)```")
	numberingRe   = regexp.MustCompile(`^\d+[.)]\s+`)
)

// ExtractCommands pulls candidate shell commands from model text. Fenced code
// blocks are preferred; without any, every line of the raw text is a
// candidate. Prompts, bullets, numbering, and backtick quoting are stripped;
// `cd` and comment lines are dropped; duplicates are removed in order.
func ExtractCommands(text string) []string {
	var lines []string
	blocks := fencedBlockRe.FindAllStringSubmatch(text, -1)
	if len(blocks) > 0 {
		for _, b := range blocks {
			lines = append(lines, strings.Split(b[1], "\n")...)
		}
	} else {
		lines = strings.Split(text, "\n")
	}

	seen := make(map[string]bool)
	var out []string
	for _, line := range lines {
		cmd := normalizeCommandLine(line)
		if cmd == "" || seen[cmd] {
			continue
		}
		seen[cmd] = true
		out = append(out, cmd)
	}
	return out
}

func normalizeCommandLine(line string) string {
	s := strings.TrimSpace(line)
	if s == "" {
		return ""
	}
	// Bullets and numbering from prose-style lists.
	s = strings.TrimPrefix(s, "- ")
	s = strings.TrimPrefix(s, "* ")
	s = numberingRe.ReplaceAllString(s, "")
	// Shell prompt markers.
	s = strings.TrimPrefix(s, "$ ")
	s = strings.TrimPrefix(s, "> ")
	// Inline backtick quoting, e.g. `npm test`.
	if strings.HasPrefix(s, "`") && strings.HasSuffix(s, "`") && len(s) > 2 {
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "#") {
		return ""
	}
	if s == "cd" || strings.HasPrefix(s, "cd ") {
		return ""
	}
	return s
}
