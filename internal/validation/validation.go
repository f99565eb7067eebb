// Package validation decides whether a raw string is a well-formed, public,
// plausible indicator of a given type. Every function here is pure and total:
// malformed input returns false, never an error or a panic.
package validation

import (
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

// Valid dispatches to the validator for t.
func Valid(t indicator.Type, value string) bool {
	switch t {
	case indicator.TypeIP:
		return IsValidIP(value)
	case indicator.TypeDomain:
		return IsValidDomain(value)
	case indicator.TypeURL:
		return IsValidURL(value)
	case indicator.TypeHash:
		return IsValidHash(value)
	case indicator.TypeEmail:
		return IsValidEmail(value)
	case indicator.TypeFile:
		return IsValidFile(value)
	default:
		return false
	}
}

// Ranges that parse as IPs but never identify a public host.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsValidIP accepts public IPv4 and IPv6 addresses.
func IsValidIP(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || addr.Zone() != "" {
		return false
	}
	addr = addr.Unmap()

	if addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// IsValidDomain accepts syntactically valid names under a known TLD that do
// not look machine-generated. Suspicious shapes pass only with three or more
// labels.
func IsValidDomain(s string) bool {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
	if d == "" || len(d) > 253 {
		return false
	}

	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if !validLabel(l) {
			return false
		}
	}

	tld := labels[len(labels)-1]
	if _, ok := knownTLDs[tld]; !ok {
		return false
	}

	if suspiciousShape(labels) && len(labels) < 3 {
		return false
	}
	return true
}

func validLabel(l string) bool {
	if len(l) == 0 || len(l) > 63 {
		return false
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}

func suspiciousShape(labels []string) bool {
	if len(labels) == 2 && len(labels[0]) == 1 {
		return true
	}
	for _, l := range labels[:len(labels)-1] {
		if allDigits(l) || randomLooking(l) {
			return true
		}
	}
	return false
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// randomLooking flags long labels with few vowels or many digits, the usual
// DGA output shape.
func randomLooking(l string) bool {
	if len(l) < 25 {
		return false
	}
	var vowels, digits int
	for i := 0; i < len(l); i++ {
		switch c := l[i]; {
		case strings.IndexByte("aeiou", c) >= 0:
			vowels++
		case c >= '0' && c <= '9':
			digits++
		}
	}
	return float64(vowels)/float64(len(l)) < 0.2 || digits >= 5
}

// IsValidURL accepts http(s) URLs whose host is a valid domain or public IP.
func IsValidURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	return IsValidIP(host) || IsValidDomain(host)
}

// IsValidHash accepts hex digests of MD5, SHA-1, SHA-256 or SHA-512 length.
func IsValidHash(s string) bool {
	return HashAlgorithm(s) != ""
}

// HashAlgorithm names the digest family of s by length, or "" when s is not
// a hex digest.
func HashAlgorithm(s string) string {
	s = strings.TrimSpace(s)
	if !isHex(s) {
		return ""
	}
	switch len(s) {
	case 32:
		return "md5"
	case 40:
		return "sha1"
	case 64:
		return "sha256"
	case 128:
		return "sha512"
	default:
		return ""
	}
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

var emailLocalRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+$`)

// IsValidEmail accepts local@domain where the domain passes IsValidDomain.
func IsValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return false
	}
	local, domain := s[:at], s[at+1:]
	if len(local) > 64 || !emailLocalRe.MatchString(local) {
		return false
	}
	if local[0] == '.' || local[len(local)-1] == '.' || strings.Contains(local, "..") {
		return false
	}
	return IsValidDomain(domain)
}

// IsValidFile accepts a bare file name.
func IsValidFile(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 255 || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

var knownTLDs = toSet(
	// generic
	"com", "net", "org", "info", "biz", "name", "pro", "mobi", "asia", "tel",
	"xyz", "top", "online", "site", "club", "shop", "store", "app", "dev",
	"tech", "space", "website", "live", "link", "click", "work", "cloud",
	"icu", "buzz", "fun", "host", "press", "digital", "email", "network",
	"services", "support", "today", "world", "zone", "life", "vip", "win",
	"bid", "loan", "men", "date", "download", "stream", "gdn", "rest", "bar",
	"edu", "gov", "mil", "int",
	// country code
	"io", "co", "me", "tv", "cc", "ws", "us", "ca", "mx", "br", "ar", "cl",
	"uk", "de", "fr", "nl", "be", "ch", "at", "it", "es", "pt", "pl", "cz",
	"sk", "hu", "ro", "bg", "gr", "se", "no", "dk", "fi", "ee", "lv", "lt",
	"ru", "su", "ua", "by", "kz", "ir", "tr", "il", "ae", "sa", "eg", "za",
	"ng", "ke", "in", "pk", "bd", "cn", "hk", "tw", "jp", "kr", "kp", "vn",
	"th", "my", "sg", "id", "ph", "au", "nz", "eu", "tk", "ml", "ga", "cf",
	"gq", "pw", "to", "ly", "la", "st", "ai", "gg",
)

func toSet(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, s := range items {
		m[s] = struct{}{}
	}
	return m
}
