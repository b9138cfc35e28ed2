package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/rcsync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const ignoreFileName = ".rcsyncignore"

var defaultIgnoreLines = []string{
	// rclone
	"*.partial",
	"*.rclonelink.tmp",
	// editors
	"*.swp",
	"*.swx",
	"*~",
	".#*",
	// General excludes
	".git",
	"*.tmp",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// SyncIgnoreList decides which local events never mark the local tree dirty
type SyncIgnoreList struct {
	baseDir string
	extra   []string
	ignore  *gitignore.GitIgnore
}

func NewSyncIgnoreList(baseDir string, extra ...string) *SyncIgnoreList {
	return &SyncIgnoreList{baseDir: baseDir, extra: extra}
}

// Load compiles the default rules, the configured patterns and the rules of
// the ignore file at the root of the local tree, if one exists.
func (s *SyncIgnoreList) Load() {
	ignoreLines := append([]string{}, defaultIgnoreLines...)
	ignoreLines = append(ignoreLines, s.extra...)

	ignorePath := filepath.Join(s.baseDir, ignoreFileName)
	if utils.FileExists(ignorePath) {
		ignoreLines = append(ignoreLines, readIgnoreFile(ignorePath)...)
	}

	s.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore reports whether path, absolute or relative to the base dir, is ignored
func (s *SyncIgnoreList) ShouldIgnore(path string) bool {
	if s.ignore == nil {
		s.Load()
	}

	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return false
		}
		path = rel
	}
	if path == "." {
		return false
	}
	return s.ignore.MatchesPath(filepath.ToSlash(path))
}

func readIgnoreFile(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		slog.Warn("failed to open ignore file", "path", path, "error", err)
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("error reading ignore file", "path", path, "error", err)
	} else {
		slog.Info("loaded ignore file", "path", path, "rules", len(lines))
	}
	return lines
}
