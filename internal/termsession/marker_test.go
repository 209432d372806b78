package termsession

import (
	"testing"

	"github.com/notforyou23/evobrew-termcore/internal/ptyproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMarkerCommandDoesNotQuoteUserInput(t *testing.T) {
	cmd := buildMarkerCommand(ptyproc.FamilyUnix, "echo hi; rm -rf /tmp/nope", "tok1")
	assert.Contains(t, cmd, "echo hi; rm -rf /tmp/nope")
	assert.NotContains(t, cmd, "'echo hi")
}

func TestScanForMarkerFindsCompletedLine(t *testing.T) {
	buf := []byte("some output\n__TERMCORE_EXIT_tok1:0\n")
	code, end, ok := scanForMarker(buf, "tok1")
	require.True(t, ok)
	assert.Equal(t, 0, code)
	assert.Equal(t, "some output\n", string(buf[:end]))
}

func TestScanForMarkerNonZeroExit(t *testing.T) {
	buf := []byte("failure text\n__TERMCORE_EXIT_tok2:17\n")
	code, _, ok := scanForMarker(buf, "tok2")
	require.True(t, ok)
	assert.Equal(t, 17, code)
}

func TestScanForMarkerIncompleteLineNotFound(t *testing.T) {
	buf := []byte("output so far\n__TERMCORE_EXIT_tok3:")
	_, _, ok := scanForMarker(buf, "tok3")
	assert.False(t, ok)
}

func TestScanForMarkerMissingTokenNotFound(t *testing.T) {
	buf := []byte("unrelated output\n")
	_, _, ok := scanForMarker(buf, "tok4")
	assert.False(t, ok)
}

func TestBuildMarkerCommandPowerShellAndCmdVariants(t *testing.T) {
	ps := buildMarkerCommand(ptyproc.FamilyPowerShell, "Get-Date", "tokA")
	assert.Contains(t, ps, "$LASTEXITCODE")

	cmdLine := buildMarkerCommand(ptyproc.FamilyCmd, "dir", "tokB")
	assert.Contains(t, cmdLine, "%ERRORLEVEL%")
}
