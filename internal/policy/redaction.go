package policy

import "regexp"

type redactionRule struct {
	name    string
	pattern *regexp.Regexp
	mask    string
}

// Card runs before phone so long digit runs are not classified as phone numbers.
var redactionRules = []redactionRule{
	{name: "email", pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), mask: "[REDACTED_EMAIL]"},
	{name: "card", pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), mask: "[REDACTED_CARD]"},
	{name: "phone", pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), mask: "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers and phone numbers in transcript text
// before it is persisted. It returns the categories that matched.
func RedactPII(input string) (string, []string) {
	out := input
	var matched []string
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.mask)
		if next != out {
			matched = append(matched, rule.name)
		}
		out = next
	}
	return out, matched
}
