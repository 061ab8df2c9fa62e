package claudeagent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"time"
)

// debugTracef writes a locator trace line to stderr when
// CLAUDE_AGENT_SDK_DEBUG is set, mirroring the teacher's debug-gated
// tracing convention.
func debugTracef(format string, args ...interface{}) {
	if os.Getenv("CLAUDE_AGENT_SDK_DEBUG") == "" {
		return
	}
	fmt.Fprintf(os.Stderr, "[claude-agent-sdk] "+format+"\n", args...)
}

// LocateCLI resolves the path to the Claude Code CLI executable.
//
// Resolution order:
//  1. Options.CLIPath, if set, returned unchanged without an existence
//     check; a bad path surfaces as a spawn error from Connect.
//  2. "claude" on PATH, with symlinks resolved to the real binary.
//  3. Shell alias probing, via "type -P", "command -v", and "which" run
//     in an interactive shell, since npm-global installs are sometimes only
//     reachable through the shell's alias/function table rather than a
//     literal PATH entry.
//  4. Conventional install directories used by npm/yarn-based installs:
//     ~/.npm-global/bin, ~/.local/bin, ~/node_modules/.bin, ~/.yarn/bin,
//     /usr/local/bin.
//
// On failure, returns *ErrCLINotFound listing every location searched so
// the caller can print actionable troubleshooting guidance.
func LocateCLI(options *Options) (string, error) {
	var searched []string

	if options != nil && options.CLIPath != "" {
		debugTracef("using explicit CLIPath %s", options.CLIPath)
		return options.CLIPath, nil
	}

	searched = append(searched, "PATH")
	if path, err := exec.LookPath("claude"); err == nil {
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			debugTracef("found claude on PATH at %s (resolved %s)", path, resolved)
			return resolved, nil
		}
		debugTracef("found claude on PATH at %s", path)
		return path, nil
	}

	for _, shell := range []struct {
		name string
		args []string
	}{
		{"type", []string{"-P", "claude"}},
		{"command", []string{"-v", "claude"}},
		{"which", []string{"claude"}},
	} {
		searched = append(searched, fmt.Sprintf("%s %s", shell.name, strings.Join(shell.args, " ")))
		if path, ok := probeShellAlias(shell.name, shell.args); ok {
			debugTracef("resolved claude via %s", shell.name)
			return path, nil
		}
	}

	for _, dir := range conventionalInstallDirs() {
		candidate := filepath.Join(dir, "claude")
		searched = append(searched, candidate)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			debugTracef("found claude in conventional install dir %s", dir)
			return candidate, nil
		}
	}

	return "", &ErrCLINotFound{Searched: searched}
}

// probeShellAlias runs a shell builtin (type/command/which) through an
// interactive "$SHELL -i -c" (sh when SHELL is unset) so that aliases and
// functions from the user's shell startup files are visible, which a direct
// exec.LookPath cannot see. Output of the form alias name='path' (single or
// double quotes) yields the quoted path, and a leading "~/" is expanded
// against the home directory.
func probeShellAlias(name string, args []string) (string, bool) {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "sh"
	}
	out, err := exec.Command(shell, "-i", "-c", cmdline).Output()
	if err != nil {
		return "", false
	}
	path := strings.TrimSpace(string(out))
	if strings.HasPrefix(path, "alias ") {
		if i := strings.IndexAny(path, `'"`); i >= 0 {
			path = strings.Trim(path[i:], `'"`)
		}
	}
	if strings.HasPrefix(path, "~/") {
		path = filepath.Join(homeDir(), path[2:])
	}
	if path == "" {
		return "", false
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// conventionalInstallDirs lists directories npm/yarn commonly install the
// claude binary into, outside of PATH.
func conventionalInstallDirs() []string {
	home := homeDir()
	if home == "" {
		return nil
	}
	return []string{
		filepath.Join(home, ".npm-global", "bin"),
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, "node_modules", ".bin"),
		filepath.Join(home, ".yarn", "bin"),
		"/usr/local/bin",
	}
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	if u, err := user.Current(); err == nil {
		return u.HomeDir
	}
	return ""
}

// MinimumCLIVersion is the lowest Claude Code CLI version this SDK is known
// to speak the control protocol with correctly.
const MinimumCLIVersion = "2.0.0"

// CheckCLIVersion inspects `<cli> --version` output and reports whether it
// is below MinimumCLIVersion. Unlike a missing binary, an old version is
// not fatal: the CLI's wire format is usually backward compatible, so this
// is surfaced as a warning string for the caller to log via Options.Stderr,
// not as an error, and is skipped entirely when
// CLAUDE_AGENT_SDK_SKIP_VERSION_CHECK is set.
func CheckCLIVersion(cliPath string) (warning string) {
	if os.Getenv("CLAUDE_AGENT_SDK_SKIP_VERSION_CHECK") != "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, cliPath, "--version").Output()
	if err != nil {
		// A missing or unparseable version is non-fatal.
		return ""
	}
	version := strings.TrimSpace(string(out))
	if version == "" || versionAtLeast(version, MinimumCLIVersion) {
		return ""
	}
	return fmt.Sprintf("claude CLI version %q may predate the minimum supported version %q", version, MinimumCLIVersion)
}

// versionAtLeast does a best-effort major.minor.patch comparison, tolerant
// of surrounding text such as "claude version 2.1.0".
func versionAtLeast(version, minimum string) bool {
	extract := func(s string) []int {
		var out []int
		var cur string
		flush := func() {
			n := 0
			for _, r := range cur {
				if r < '0' || r > '9' {
					cur = ""
					return
				}
				n = n*10 + int(r-'0')
			}
			if cur != "" {
				out = append(out, n)
			}
			cur = ""
		}
		for _, r := range s {
			if r >= '0' && r <= '9' {
				cur += string(r)
			} else if r == '.' {
				flush()
			}
		}
		flush()
		return out
	}
	v := extract(version)
	m := extract(minimum)
	for i := 0; i < len(m); i++ {
		if i >= len(v) {
			return false
		}
		if v[i] != m[i] {
			return v[i] > m[i]
		}
	}
	return true
}
