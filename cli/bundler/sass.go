package bundler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrSassNotFound is returned when an .scss module is loaded and no sass executable is available
var ErrSassNotFound = errors.New("sass is required for compiling .scss files. Install it with 'npm install sass' or from https://sass-lang.com/install")

// sassTimeout bounds a single stylesheet compilation
const sassTimeout = 30 * time.Second

// SassCompiler compiles SCSS with the dart-sass executable
type SassCompiler struct {
	explicitPath string
	root         string

	once     sync.Once
	sassPath string
	err      error
}

// NewSassCompiler creates a compiler. explicitPath, when set, is the only
// executable tried; otherwise the project's node_modules/.bin, PATH and common
// installation paths are searched. The lookup happens on first use.
func NewSassCompiler(explicitPath, root string) *SassCompiler {
	return &SassCompiler{explicitPath: explicitPath, root: root}
}

func (s *SassCompiler) lookup() (string, error) {
	s.once.Do(func() {
		if s.explicitPath != "" {
			if _, err := os.Stat(s.explicitPath); err != nil {
				s.err = fmt.Errorf("%w (configured sass_path %s: %v)", ErrSassNotFound, s.explicitPath, err)
				return
			}
			s.sassPath = s.explicitPath
			return
		}

		local := filepath.Join(s.root, "node_modules", ".bin", "sass")
		if _, err := os.Stat(local); err == nil {
			s.sassPath = local
			return
		}

		if p, err := exec.LookPath("sass"); err == nil {
			s.sassPath = p
			return
		}

		commonPaths := []string{
			"/usr/local/bin/sass",
			"/usr/bin/sass",
			"/opt/homebrew/bin/sass",
			"/home/linuxbrew/.linuxbrew/bin/sass",
		}
		if home, err := os.UserHomeDir(); err == nil {
			commonPaths = append(commonPaths, filepath.Join(home, ".npm-global", "bin", "sass"))
		}
		for _, p := range commonPaths {
			if _, err := os.Stat(p); err == nil {
				s.sassPath = p
				return
			}
		}

		s.err = ErrSassNotFound
	})
	return s.sassPath, s.err
}

// Compile compiles SCSS source to CSS. loadDir is searched for @use and @import.
func (s *SassCompiler) Compile(ctx context.Context, source, loadDir string) (string, error) {
	sassPath, err := s.lookup()
	if err != nil {
		return "", err
	}

	compileCtx, cancel := context.WithTimeout(ctx, sassTimeout)
	defer cancel()

	args := []string{"--stdin", "--no-source-map", "--load-path=" + loadDir}
	if s.root != "" {
		args = append(args, "--load-path="+filepath.Join(s.root, "node_modules"))
	}

	cmd := exec.CommandContext(compileCtx, sassPath, args...) //nolint:gosec // sassPath is resolved in lookup
	cmd.Stdin = strings.NewReader(source)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if compileCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("sass timeout after %s", sassTimeout)
	}

	if runErr != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = runErr.Error()
		}
		return "", fmt.Errorf("sass failed: %s", cleanSassError(errMsg))
	}

	return stdout.String(), nil
}

var sassLocationRegex = regexp.MustCompile(`^\s*(-|stdin|╷|│|╵|\d+\s*│)`)

// cleanSassError keeps the message lines of a sass error and drops the source excerpt
func cleanSassError(errMsg string) string {
	var relevant []string
	for _, line := range strings.Split(errMsg, "\n") {
		if strings.TrimSpace(line) == "" || sassLocationRegex.MatchString(line) {
			continue
		}
		relevant = append(relevant, strings.TrimSpace(line))
	}
	if len(relevant) > 0 {
		return strings.Join(relevant, "\n")
	}
	return strings.TrimSpace(errMsg)
}
