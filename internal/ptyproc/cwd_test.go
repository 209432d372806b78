package ptyproc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/notforyou23/evobrew-termcore/internal/tcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCwdDefaultsToWorkingDir(t *testing.T) {
	cwd, err := ValidateCwd("", "")
	require.NoError(t, err)
	assert.NotEmpty(t, cwd)
}

func TestValidateCwdRejectsMissingDir(t *testing.T) {
	_, err := ValidateCwd(filepath.Join(t.TempDir(), "nope"), "")
	require.Error(t, err)
	assert.Equal(t, tcerr.InvalidCwd, tcerr.KindOf(err))
}

func TestValidateCwdWithinAllowedRoot(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	got, err := ValidateCwd(sub, root)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestValidateCwdOutsideAllowedRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	_, err := ValidateCwd(outside, root)
	require.Error(t, err)
	assert.Equal(t, tcerr.OutsideAllowedRoot, tcerr.KindOf(err))
}

func TestValidateCwdFollowsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, link))

	_, err := ValidateCwd(link, root)
	require.Error(t, err)
	assert.Equal(t, tcerr.OutsideAllowedRoot, tcerr.KindOf(err))
}

func TestCanonicalizeWalksParentsForNonExistentLeaf(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "not", "yet", "created")

	got, err := canonicalize(target)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}
