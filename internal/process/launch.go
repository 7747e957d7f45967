package process

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/shlex"
)

// LaunchSpec describes how to start the dedicated server.
type LaunchSpec struct {
	Executable string `json:"executable"`
	Args       string `json:"args"`
	DataPath   string `json:"data_path"`
	// WorkDir defaults to the directory of the executable.
	WorkDir string `json:"work_dir"`
}

var (
	dataPathFlag = regexp.MustCompile(`(?i)(^|\s)--datapath(\s|=|$)`)
	percentVar   = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_]*)%`)
)

// ConflictsWithDataPath reports whether Args carries its own --dataPath token.
// Tokens are matched after shell-style unquoting; an unparsable string falls
// back to a match on the raw text.
func (s LaunchSpec) ConflictsWithDataPath() bool {
	tokens, err := shlex.Split(s.Args)
	if err != nil {
		return dataPathFlag.MatchString(s.Args)
	}
	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		if lower == "--datapath" || strings.HasPrefix(lower, "--datapath=") {
			return true
		}
	}
	return false
}

// Argv tokenises Args and appends the managed --dataPath argument.
func (s LaunchSpec) Argv() ([]string, error) {
	args, err := shlex.Split(s.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if dp := strings.Trim(strings.TrimSpace(s.DataPath), `"`); dp != "" {
		args = append(args, "--dataPath", ResolvePath(dp))
	}
	return args, nil
}

// ResolvedExecutable returns the executable path with variables expanded.
func (s LaunchSpec) ResolvedExecutable() string { return ResolvePath(s.Executable) }

func (s LaunchSpec) workDir(exe string) string {
	if s.WorkDir != "" {
		return ResolvePath(s.WorkDir)
	}
	return filepath.Dir(exe)
}

// Describe renders the command line the way it is echoed on launch.
func (s LaunchSpec) Describe() string {
	argv, err := s.Argv()
	if err != nil {
		return fmt.Sprintf("%q %s", s.ResolvedExecutable(), s.Args)
	}
	parts := make([]string, 0, len(argv)+1)
	parts = append(parts, fmt.Sprintf("%q", s.ResolvedExecutable()))
	for _, a := range argv {
		if strings.ContainsAny(a, " \t") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// ResolvePath expands %VAR% and $VAR references and normalises separators.
func ResolvePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = percentVar.ReplaceAllStringFunc(p, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Clean(filepath.FromSlash(p))
}
