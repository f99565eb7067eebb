package validation

import (
	"net/netip"
	"regexp"
	"strings"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

// Match is an indicator found in free text.
type Match struct {
	Type  indicator.Type
	Value string
}

// Patterns run in priority order. A later pattern never matches inside a span
// already claimed by an earlier one, so the host of a URL is not reported
// again as a bare domain. group selects the submatch holding the indicator.
var extractors = []struct {
	typ   indicator.Type
	re    *regexp.Regexp
	group int
}{
	{indicator.TypeURL, regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>()\[\]{}|\\^` + "`" + `]+`), 0},
	{indicator.TypeEmail, regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@(?:[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\b`), 0},
	// IPv6 has no usable \b at a leading "::", so the left edge is matched
	// explicitly and the right edge checked in Extract.
	{indicator.TypeIP, regexp.MustCompile(`(?i)(?:^|[^0-9a-z:.])((?:[0-9a-f]{0,4}:){2,7}(?:(?:\d{1,3}\.){3}\d{1,3}|[0-9a-f]{0,4}))`), 1},
	{indicator.TypeIP, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), 0},
	{indicator.TypeHash, regexp.MustCompile(`\b[a-fA-F0-9]{32,128}\b`), 0},
	{indicator.TypeDomain, regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\b`), 0},
}

var refanger = strings.NewReplacer(
	"hxxps://", "https://",
	"hxxp://", "http://",
	"HXXPS://", "https://",
	"HXXP://", "http://",
	"[.]", ".",
	"(.)", ".",
	"{.}", ".",
	"[dot]", ".",
	"[:]", ":",
	"[@]", "@",
	"[at]", "@",
)

// Refang undoes the common defanging conventions used in threat reports.
func Refang(s string) string {
	return refanger.Replace(s)
}

// Extract scans a line of free text once and returns every valid indicator
// in it, in order of appearance per type, without duplicates.
func Extract(line string) []Match {
	line = Refang(line)

	var claimed [][2]int
	overlaps := func(start, end int) bool {
		for _, c := range claimed {
			if start < c[1] && end > c[0] {
				return true
			}
		}
		return false
	}

	seen := make(map[indicator.Key]struct{})
	var out []Match
	for _, ex := range extractors {
		for _, loc := range ex.re.FindAllStringSubmatchIndex(line, -1) {
			start, end := loc[2*ex.group], loc[2*ex.group+1]
			if start < 0 || overlaps(start, end) {
				continue
			}
			if ex.group > 0 && end < len(line) && isTokenByte(line[end]) {
				continue
			}
			value := line[start:end]
			if ex.typ == indicator.TypeURL {
				value = strings.TrimRight(value, ".,;:!?'\"")
				end = start + len(value)
			}
			// A shape match claims its span even when rejected, so a private
			// IP is not re-read as a domain.
			claimed = append(claimed, [2]int{start, end})

			if !Valid(ex.typ, value) {
				continue
			}
			value = indicator.Canonical(ex.typ, value)
			key := indicator.Key{Type: ex.typ, Value: value}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Match{Type: ex.typ, Value: value})
		}
	}
	return out
}

func isTokenByte(b byte) bool {
	return b == ':' || b == '_' || b == '-' ||
		('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

var domainShapeRe = regexp.MustCompile(`(?i)^(?:[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\.?$`)

// Classify infers the indicator type of a bare token from its shape alone.
// It does not validate: a private IP still classifies as TypeIP.
func Classify(token string) (indicator.Type, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	lower := strings.ToLower(token)
	switch {
	case strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://"):
		return indicator.TypeURL, true
	case isIPShape(token):
		return indicator.TypeIP, true
	case HashAlgorithm(token) != "":
		return indicator.TypeHash, true
	case strings.Contains(token, "@"):
		return indicator.TypeEmail, true
	case domainShapeRe.MatchString(token):
		return indicator.TypeDomain, true
	default:
		return "", false
	}
}

func isIPShape(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}
