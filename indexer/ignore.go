package indexer

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/yoanbernabeu/codegrep/config"
)

// scopedMatcher is a compiled ignore file that applies below baseDir.
type scopedMatcher struct {
	matcher *ignore.GitIgnore
	baseDir string // slash separated, relative to the workspace root; empty for the root
}

// projectMatcher holds a .codegrepignore file compiled twice: "full" keeps the
// negations and decides, "any" turns every pattern positive and only tells
// whether the file has an opinion about a path.
type projectMatcher struct {
	full    *ignore.GitIgnore
	any     *ignore.GitIgnore
	baseDir string
}

// IgnoreOptions selects the exclusion sources.
type IgnoreOptions struct {
	// Patterns are gitignore-style patterns applied from the workspace root.
	Patterns []string

	// RespectGitignore loads every .gitignore below the root.
	RespectGitignore bool
}

// IgnoreMatcher decides which workspace paths are excluded. Sources are the
// configured patterns, nested .gitignore files and nested .codegrepignore
// files. A .codegrepignore negation re-includes a path ignored by the other
// sources unless a deeper .gitignore ignores it.
type IgnoreMatcher struct {
	root            string
	base            *ignore.GitIgnore
	gitMatchers     []scopedMatcher
	projectMatchers []projectMatcher
	hasNegations    bool
}

// NewIgnoreMatcher scans root for ignore files and compiles them.
func NewIgnoreMatcher(root string, opts IgnoreOptions) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{root: root}
	if len(opts.Patterns) > 0 {
		m.base = ignore.CompileIgnoreLines(opts.Patterns...)
	}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			if rel != "." && (info.Name() == ".git" || m.matchBase(rel)) {
				return filepath.SkipDir
			}
			return nil
		}

		dir := filepath.ToSlash(filepath.Dir(rel))
		if dir == "." {
			dir = ""
		}

		switch info.Name() {
		case ".gitignore":
			if !opts.RespectGitignore {
				return nil
			}
			gi, err := ignore.CompileIgnoreFile(path)
			if err != nil {
				return nil
			}
			m.gitMatchers = append(m.gitMatchers, scopedMatcher{matcher: gi, baseDir: dir})

		case config.ProjectIgnoreFile:
			pm, negations, err := compileProjectIgnore(path)
			if err != nil {
				return nil
			}
			pm.baseDir = dir
			m.projectMatchers = append(m.projectMatchers, pm)
			m.hasNegations = m.hasNegations || negations
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ShouldIgnore reports whether the relative path is excluded.
func (m *IgnoreMatcher) ShouldIgnore(rel string) bool {
	rel = filepath.ToSlash(rel)

	// A .codegrepignore opinion wins over .gitignore at the same or a
	// shallower level.
	if ignored, ok, projectBase := m.evalProject(rel); ok {
		if ignored {
			return true
		}
		if gitIgnored, gitBase := m.evalGit(rel); gitIgnored && len(gitBase) > len(projectBase) {
			return true
		}
		return false
	}

	ignored, _ := m.evalGit(rel)
	return ignored
}

// ShouldSkipDir reports whether a directory can be pruned without visiting
// it. With negations present an ignored directory may still hold files that
// are re-included, so it has to be descended.
func (m *IgnoreMatcher) ShouldSkipDir(rel string) bool {
	if !m.ShouldIgnore(rel) {
		return false
	}
	if ignored, ok, _ := m.evalProject(filepath.ToSlash(rel)); ok {
		return ignored
	}
	return !m.hasNegations
}

func (m *IgnoreMatcher) matchBase(rel string) bool {
	return m.base != nil && (m.base.MatchesPath(rel) || m.base.MatchesPath(rel+"/"))
}

// evalProject returns the decision of the deepest .codegrepignore that has
// an opinion about rel, and that file's directory.
func (m *IgnoreMatcher) evalProject(rel string) (ignored, ok bool, baseDir string) {
	var best *projectMatcher
	for i := range m.projectMatchers {
		pm := &m.projectMatchers[i]
		sub, in := scopedPath(rel, pm.baseDir)
		if !in {
			continue
		}
		if pm.any.MatchesPath(sub) || pm.any.MatchesPath(sub+"/") {
			if best == nil || len(pm.baseDir) > len(best.baseDir) {
				best = pm
			}
		}
	}
	if best == nil {
		return false, false, ""
	}

	sub, _ := scopedPath(rel, best.baseDir)
	plain := best.full.MatchesPath(sub)
	slash := best.full.MatchesPath(sub + "/")
	if plain && !slash {
		// A directory-only negation re-included it.
		return false, true, best.baseDir
	}
	return plain || slash, true, best.baseDir
}

// evalGit checks the configured patterns and .gitignore files and returns
// the deepest level that ignores rel.
func (m *IgnoreMatcher) evalGit(rel string) (bool, string) {
	found := m.matchBase(rel)
	deepest := ""

	for _, gm := range m.gitMatchers {
		sub, in := scopedPath(rel, gm.baseDir)
		if !in {
			continue
		}
		if gm.matcher.MatchesPath(sub) || gm.matcher.MatchesPath(sub+"/") {
			if !found || len(gm.baseDir) > len(deepest) {
				deepest = gm.baseDir
				found = true
			}
		}
	}
	return found, deepest
}

// scopedPath returns rel relative to baseDir and whether rel lies below it.
func scopedPath(rel, baseDir string) (string, bool) {
	if baseDir == "" {
		return rel, true
	}
	if rel == baseDir {
		return ".", true
	}
	if strings.HasPrefix(rel, baseDir+"/") {
		return strings.TrimPrefix(rel, baseDir+"/"), true
	}
	return "", false
}

func compileProjectIgnore(path string) (projectMatcher, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return projectMatcher{}, false, err
	}

	var full, positive []string
	negations := false
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		full = append(full, trimmed)
		if strings.HasPrefix(trimmed, "!") {
			negations = true
			positive = append(positive, strings.TrimPrefix(trimmed, "!"))
		} else {
			positive = append(positive, trimmed)
		}
	}

	return projectMatcher{
		full: ignore.CompileIgnoreLines(full...),
		any:  ignore.CompileIgnoreLines(positive...),
	}, negations, nil
}
