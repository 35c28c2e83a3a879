package guard

import "regexp"

// Injection pattern families. Each family is a named set of regexes; any
// match is an error-class finding that blocks the request with high risk.
//
// The patterns are deliberately conservative: they target attack syntax, not
// vocabulary, so ordinary sentences ("drop by the table near the union
// station") pass.
var injectionFamilies = []struct {
	name     string
	patterns []*regexp.Regexp
}{
	{
		name: "sql injection",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select|select\s+.+\s+from\s+\w+)\b`),
			regexp.MustCompile(`(?i)\b(insert\s+into|delete\s+from|drop\s+(table|database)|truncate\s+table)\b`),
			regexp.MustCompile(`(?i)('\s*(or|and)\s+'?\d+'?\s*=\s*'?\d+)`),
			regexp.MustCompile(`(?i)(;\s*--|'\s*--|"\s*--)`),
			regexp.MustCompile(`(?i)\bexec(ute)?\s*\(\s*xp_`),
		},
	},
	{
		name: "xss",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)<\s*script[\s>]`),
			regexp.MustCompile(`(?i)\bjavascript\s*:`),
			regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus)\s*=`),
			regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg)[\s>]`),
			regexp.MustCompile(`(?i)\bdocument\s*\.\s*(cookie|write)\b`),
		},
	},
	{
		name: "path traversal",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\.\.[\\/]`),
			regexp.MustCompile(`(?i)%2e%2e[%\\/]`),
			regexp.MustCompile(`(?i)[\\/](etc[\\/]passwd|windows[\\/]system32)\b`),
		},
	},
	{
		name: "command injection",
		patterns: []*regexp.Regexp{
			regexp.MustCompile("[;&|`]\\s*(rm|cat|curl|wget|nc|sh|bash|powershell)\\b"),
			regexp.MustCompile(`\$\((?:[^)]*)\)`),
			regexp.MustCompile("`[^`]+`"),
			regexp.MustCompile(`(?i)\b(rm\s+-rf|chmod\s+777|mkfifo)\b`),
		},
	},
}

// DetectInjection scans s against all injection families and returns the
// names of the families that matched, in declaration order. An empty result
// means the text is clean.
func DetectInjection(s string) []string {
	if s == "" {
		return nil
	}
	var hits []string
	for _, fam := range injectionFamilies {
		for _, re := range fam.patterns {
			if re.MatchString(s) {
				hits = append(hits, fam.name)
				break
			}
		}
	}
	return hits
}
