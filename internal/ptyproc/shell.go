// Package ptyproc resolves a shell + working directory + environment and
// wraps the pseudo-terminal child process it spawns (spec.md §4.1, component
// A). It is the lowest-level package in the dependency order — it knows
// nothing about sessions, quotas, or the wire protocol.
package ptyproc

import (
	"os"
	"os/exec"
	"runtime"
)

// Family tags the shell so callers (the exit-marker emitter in
// internal/termsession) know which syntax to use.
type Family string

const (
	FamilyUnix       Family = "unix"
	FamilyPowerShell Family = "powershell"
	FamilyCmd        Family = "cmd"
)

// ResolveShell picks the shell executable, its args, and its Family.
//
//   - An explicit, non-empty shell always wins; its Family is powershell on
//     Windows, unix everywhere else (spec.md's contract doesn't define an
//     explicit-cmd.exe override, so an explicit shell on Windows is always
//     treated as PowerShell-flavored for marker-emission purposes).
//   - On Windows: probe for PowerShell first, then cmd.exe.
//   - On Unix-like systems: the login shell from $SHELL, else /bin/bash.
func ResolveShell(explicit string) (path string, args []string, family Family) {
	if explicit != "" {
		if runtime.GOOS == "windows" {
			return explicit, []string{"-NoLogo", "-NoProfile"}, FamilyPowerShell
		}
		return explicit, nil, FamilyUnix
	}

	if runtime.GOOS == "windows" {
		if p, err := exec.LookPath("pwsh.exe"); err == nil {
			return p, []string{"-NoLogo", "-NoProfile"}, FamilyPowerShell
		}
		if p, err := exec.LookPath("powershell.exe"); err == nil {
			return p, []string{"-NoLogo", "-NoProfile"}, FamilyPowerShell
		}
		if p, err := exec.LookPath("cmd.exe"); err == nil {
			return p, nil, FamilyCmd
		}
		return "cmd.exe", nil, FamilyCmd
	}

	if sh := os.Getenv("SHELL"); sh != "" {
		return sh, nil, FamilyUnix
	}
	return "/bin/bash", nil, FamilyUnix
}
