package ptyproc

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveShellExplicitWins(t *testing.T) {
	path, _, family := ResolveShell("/opt/custom/shell")
	assert.Equal(t, "/opt/custom/shell", path)
	if runtime.GOOS == "windows" {
		assert.Equal(t, FamilyPowerShell, family)
	} else {
		assert.Equal(t, FamilyUnix, family)
	}
}

func TestResolveShellFallsBackToBash(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix fallback path only applies off Windows")
	}
	t.Setenv("SHELL", "")
	path, _, family := ResolveShell("")
	assert.Equal(t, "/bin/bash", path)
	assert.Equal(t, FamilyUnix, family)
}

func TestResolveShellHonorsShellEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("$SHELL is not consulted on Windows")
	}
	t.Setenv("SHELL", "/bin/zsh")
	path, _, family := ResolveShell("")
	assert.Equal(t, "/bin/zsh", path)
	assert.Equal(t, FamilyUnix, family)
}
