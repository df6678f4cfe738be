// Package ignore decides which directory entries stay out of the watch set.
package ignore

import (
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"go.uber.org/zap"
)

// FileName is the per-directory ignore file. Its patterns take precedence
// over .gitignore, so a "!name" line re-includes a file .gitignore excludes.
const FileName = ".fwatchignore"

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return homeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// overrideMatcher pairs the patterns of an ignore file with a copy where
// every negation is made positive. The copy tells whether the file has an
// opinion about a name at all.
type overrideMatcher struct {
	full *gitignore.GitIgnore
	any  *gitignore.GitIgnore
}

// Matcher filters the names of one directory.
type Matcher struct {
	dir      string
	base     []*gitignore.GitIgnore
	override *overrideMatcher
}

// NewMatcher loads .gitignore and .fwatchignore from dir, the patterns from
// configuration and, when set, an extra gitignore-style file. Missing files
// are not an error.
func NewMatcher(dir string, patterns []string, extraFile string, logger *zap.Logger) (*Matcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Matcher{dir: dir}

	if extraFile != "" {
		path := expandTilde(extraFile)
		gi, err := gitignore.CompileIgnoreFile(path)
		if err != nil {
			logger.Warn("failed to load ignore file", zap.String("path", path), zap.Error(err))
		} else {
			m.base = append(m.base, gi)
		}
	}

	gi, err := gitignore.CompileIgnoreFile(filepath.Join(dir, ".gitignore"))
	switch {
	case err == nil:
		m.base = append(m.base, gi)
	case !os.IsNotExist(err):
		return nil, err
	}

	override, err := compileOverrideFile(filepath.Join(dir, FileName))
	switch {
	case err == nil:
		m.override = override
	case !os.IsNotExist(err):
		return nil, err
	}

	if len(patterns) > 0 {
		m.base = append(m.base, gitignore.CompileIgnoreLines(patterns...))
	}
	return m, nil
}

// ShouldIgnore reports whether name, relative to the matcher's directory,
// is excluded.
func (m *Matcher) ShouldIgnore(name string) bool {
	if m == nil {
		return false
	}
	name = filepath.ToSlash(name)

	if m.override != nil && m.override.any.MatchesPath(name) {
		return m.override.full.MatchesPath(name)
	}
	for _, gi := range m.base {
		if gi.MatchesPath(name) {
			return true
		}
	}
	return false
}

func compileOverrideFile(path string) (*overrideMatcher, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(content), "\n")
	fullLines := make([]string, 0, len(lines))
	anyLines := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fullLines = append(fullLines, trimmed)
		anyLines = append(anyLines, strings.TrimPrefix(trimmed, "!"))
	}

	return &overrideMatcher{
		full: gitignore.CompileIgnoreLines(fullLines...),
		any:  gitignore.CompileIgnoreLines(anyLines...),
	}, nil
}
