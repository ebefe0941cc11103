package logging

import "regexp"

// Sanitizer redacts credentials from log output. Agent subprocesses inherit
// API keys through the environment, and their stderr is logged verbatim, so
// every message passes through here before reaching a handler.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with the default credential patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// Anthropic (must precede the generic OpenAI-style prefix)
		`sk-ant-[a-zA-Z0-9-]{40,}`,
		// OpenAI
		`sk-[A-Za-z0-9]{20,}`,
		// Google AI
		`AIza[a-zA-Z0-9_-]{35}`,
		// GitHub tokens (PAT, OAuth, app, server)
		`gh[pousr]_[A-Za-z0-9]{36}`,
		// AWS access key id
		`AKIA[0-9A-Z]{16}`,
		// Bearer tokens
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
		// key=value style credentials
		`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)password["'\s:=]+[^\s"']{8,}`,
		`(?i)token["'\s:=]+[a-zA-Z0-9_-]{20,}`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts credential material from a string.
func (s *Sanitizer) Sanitize(input string) string {
	result := input
	for _, pattern := range s.patterns {
		result = pattern.ReplaceAllString(result, s.redacted)
	}
	return result
}

// AddPattern registers an additional redaction pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}
