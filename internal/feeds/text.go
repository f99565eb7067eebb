package feeds

import (
	"bufio"
	"bytes"
	"strings"
	"unicode"

	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/validation"
)

const maxLineBytes = 1024 * 1024

func newLineScanner(payload []byte) *bufio.Scanner {
	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return sc
}

// normalizeBlocklist reads one indicator per line. Lines may carry trailing
// columns, inline comments or a hosts-file sinkhole prefix.
func normalizeBlocklist(b *builder, payload []byte) {
	sc := newLineScanner(payload)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || isCommentLine(line) {
			continue
		}
		b.record()

		line = validation.Refang(stripInlineComment(line))
		tokens := b.splitLine(line)
		if len(tokens) == 0 {
			b.skip()
			continue
		}

		value := tokens[0]
		if len(tokens) > 1 && isSinkhole(tokens[0]) {
			value = tokens[1]
		}

		typ, ok := b.resolveType("", value)
		if !ok {
			b.skip()
			continue
		}
		b.add(indicator.Candidate{
			Type:       typ,
			Value:      value,
			Confidence: extractionConfidence(typ, true),
		})
	}
	if sc.Err() != nil {
		// Oversized line; the scanner cannot resume past it.
		b.record()
		b.skip()
	}
}

// normalizeText scans free text line by line for any indicator.
func normalizeText(b *builder, payload []byte) {
	sc := newLineScanner(payload)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		b.record()
		for _, m := range validation.Extract(line) {
			b.add(indicator.Candidate{
				Type:       m.Type,
				Value:      m.Value,
				Confidence: extractionConfidence(m.Type, false),
			})
		}
	}
	if sc.Err() != nil {
		b.record()
		b.skip()
	}
}

func (b *builder) splitLine(line string) []string {
	if b.cfg.Delimiter != "" {
		parts := strings.Split(line, delimiter(b.cfg.Delimiter))
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return strings.FieldsFunc(line, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
}

// delimiter maps named delimiters to their characters.
func delimiter(d string) string {
	switch strings.ToLower(d) {
	case "tab", `\t`:
		return "\t"
	case "comma":
		return ","
	case "semicolon":
		return ";"
	case "pipe":
		return "|"
	case "space":
		return " "
	default:
		return d
	}
}

func isCommentLine(line string) bool {
	return strings.HasPrefix(line, "#") ||
		strings.HasPrefix(line, ";") ||
		strings.HasPrefix(line, "//") ||
		strings.HasPrefix(line, "!")
}

func stripInlineComment(line string) string {
	if i := strings.Index(line, " #"); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "\t#"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func isSinkhole(token string) bool {
	switch token {
	case "0.0.0.0", "127.0.0.1", "::", "::1", "::0":
		return true
	}
	return false
}
