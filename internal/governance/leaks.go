package governance

import "regexp"

// Leak is a secret-shaped match found in an artifact.
type Leak struct {
	Kind   string
	Sample string
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "api key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google api key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "secret key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// ScanLeaks reports secret-shaped strings in text, at most three per kind.
// Samples are truncated so the finding itself is safe to log.
func ScanLeaks(text string) []Leak {
	if text == "" {
		return nil
	}
	var out []Leak
	for _, p := range leakPatterns {
		for _, m := range p.re.FindAllString(text, 3) {
			if len(m) > 12 {
				m = m[:9] + "..."
			}
			out = append(out, Leak{Kind: p.kind, Sample: m})
		}
	}
	return out
}
