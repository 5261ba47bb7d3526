package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
)

// SecretError reports a file that matched a secret pattern during the
// pre-commit scan. Nothing is written when this error is returned.
type SecretError struct {
	File    string
	Pattern string
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret-detected: file %s matches pattern %q", e.File, e.Pattern)
}

// secretPattern pairs a human-readable name with its detection regex.
type secretPattern struct {
	name string
	re   *regexp.Regexp
}

// defaultSecretPatterns covers the credential shapes the engine itself
// handles plus the usual cloud-key formats.
var defaultSecretPatterns = []secretPattern{
	{"aws access key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"private key block", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY-----`)},
	{"anthropic api key", regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`)},
	{"openai api key", regexp.MustCompile(`sk-[A-Za-z0-9]{32,}`)},
	{"generic assignment", regexp.MustCompile(`(?i)(api_?key|secret|token|password)\s*[:=]\s*["'][^"']{8,}["']`)},
	{"bearer token", regexp.MustCompile(`(?i)authorization:\s*bearer\s+[A-Za-z0-9._-]{20,}`)},
}

// Scanner checks candidate artifact files for secret material before they
// enter the store. Include and Exclude are doublestar globs matched against
// the file's base name and relative path; an empty include list scans
// everything.
type Scanner struct {
	patterns []secretPattern
	include  []string
	exclude  []string
}

// NewScanner builds a scanner with the default pattern set.
func NewScanner(include, exclude []string) *Scanner {
	return &Scanner{
		patterns: defaultSecretPatterns,
		include:  include,
		exclude:  exclude,
	}
}

// shouldScan applies include/exclude globs to a path.
func (s *Scanner) shouldScan(path string) bool {
	base := filepath.Base(path)
	for _, glob := range s.exclude {
		if match, _ := doublestar.Match(glob, path); match {
			return false
		}
		if match, _ := doublestar.Match(glob, base); match {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, glob := range s.include {
		if match, _ := doublestar.Match(glob, path); match {
			return true
		}
		if match, _ := doublestar.Match(glob, base); match {
			return true
		}
	}
	return false
}

// ScanFile reads one file and returns a SecretError on the first match.
func (s *Scanner) ScanFile(path string) error {
	if !s.shouldScan(path) {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return s.ScanContent(path, data)
}

// ScanContent checks raw bytes against the pattern set. The path is only
// used for error reporting.
func (s *Scanner) ScanContent(path string, data []byte) error {
	for _, p := range s.patterns {
		if p.re.Match(data) {
			return &SecretError{File: path, Pattern: p.name}
		}
	}
	return nil
}

// ScanAll scans every file and stops at the first offender. Order is the
// caller's order, so error messages are stable.
func (s *Scanner) ScanAll(paths []string) error {
	for _, path := range paths {
		if err := s.ScanFile(path); err != nil {
			return err
		}
	}
	return nil
}
