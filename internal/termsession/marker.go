package termsession

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/notforyou23/evobrew-termcore/internal/ptyproc"
)

// markerPrefix tags a line emitted by the shell after a compatibility
// command finishes, carrying its exit code. It is deliberately unlikely to
// collide with real program output.
const markerPrefix = "__TERMCORE_EXIT_"

// buildMarkerCommand wraps userCmd so the shell prints the command's own
// output followed by a line of the form "__TERMCORE_EXIT_<token>:<code>".
// userCmd and the marker command are written as two separate lines, each
// terminated by \r. No quoting or escaping is applied to userCmd — it is
// sent to the shell exactly as given, per the run-to-completion contract's
// explicit no-quoting rule.
func buildMarkerCommand(family ptyproc.Family, userCmd, token string) string {
	switch family {
	case ptyproc.FamilyPowerShell:
		return fmt.Sprintf("%s\rWrite-Output (\"%s%s:\" + $LASTEXITCODE)\r", userCmd, markerPrefix, token)
	case ptyproc.FamilyCmd:
		return fmt.Sprintf("%s\recho %s%s:%%ERRORLEVEL%%\r", userCmd, markerPrefix, token)
	default: // FamilyUnix
		return fmt.Sprintf("%s\rprintf '%%s%%d\\n' '%s%s:' $?\r", userCmd, markerPrefix, token)
	}
}

// scanForMarker looks for a completed marker line for token in buf. It
// returns the exit code and the byte offset at which the marker begins (so
// callers can treat everything before it as the command's own output), or
// ok=false if the marker hasn't appeared yet.
func scanForMarker(buf []byte, token string) (code int, endOffset int, ok bool) {
	needle := markerPrefix + token + ":"
	text := string(buf)
	idx := strings.Index(text, needle)
	if idx < 0 {
		return 0, 0, false
	}

	rest := text[idx+len(needle):]
	end := strings.IndexAny(rest, "\r\n")
	if end < 0 {
		// Marker line hasn't finished arriving yet.
		return 0, 0, false
	}

	codeStr := strings.TrimSpace(rest[:end])
	n, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, 0, false
	}
	return n, idx, true
}
