package ptyproc

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"github.com/notforyou23/evobrew-termcore/internal/tcerr"
)

// Options describes the child process to launch behind a pseudo-terminal.
type Options struct {
	Shell       string // explicit shell path, or "" to auto-resolve
	Args        []string
	Cwd         string
	AllowedRoot string
	Env         map[string]string // caller overlay, applied after defaults
	Cols, Rows  uint16
}

// Handle wraps a running pseudo-terminal child. It exposes exactly the
// operations spec.md §4.1 assigns to the PTY Spawner's contract: write,
// resize, kill, and (via Read) the raw onData stream. Higher layers
// (internal/termsession) own the read loop and fan-out; Handle only owns
// the OS resources.
type Handle struct {
	Ptm    *os.File
	Cmd    *exec.Cmd
	Pid    int
	Family Family
}

// Spawn resolves the shell, validates the working directory, builds the
// environment, and starts the child attached to a new PTY. Mirrors the
// teacher's Instance.startAgent, generalized to take Options instead of a
// project-shaped config and to return the handle rather than keep the
// caller's mutex held across pty.Start.
func Spawn(opts Options) (*Handle, error) {
	shellPath, shellArgs, family := ResolveShell(opts.Shell)
	if len(opts.Args) > 0 {
		shellArgs = opts.Args
	}

	cwd, err := ValidateCwd(opts.Cwd, opts.AllowedRoot)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(shellPath, shellArgs...)
	cmd.Dir = cwd
	cmd.Env = buildEnv(opts.Env)

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 34
	}

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, tcerr.New(tcerr.PtyFailure, "pty.Start: %v", err)
	}

	return &Handle{
		Ptm:    ptm,
		Cmd:    cmd,
		Pid:    cmd.Process.Pid,
		Family: family,
	}, nil
}

// buildEnv inherits the daemon's environment, sets TERM=xterm-256color and,
// unless already set, COLORTERM=truecolor, then applies the caller-supplied
// overlay last so it always wins.
func buildEnv(overlay map[string]string) []string {
	env := os.Environ()
	have := map[string]bool{}
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				have[kv[:i]] = true
				break
			}
		}
	}

	env = append(env, "TERM=xterm-256color")
	if !have["COLORTERM"] {
		env = append(env, "COLORTERM=truecolor")
	}
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

// Write sends bytes to the child's stdin (the PTY master).
func (h *Handle) Write(p []byte) (int, error) {
	return h.Ptm.Write(p)
}

// Read reads whatever the OS returns from the PTY master in one call — no
// line or escape-sequence processing, per spec.md §4.1.
func (h *Handle) Read(buf []byte) (int, error) {
	return h.Ptm.Read(buf)
}

// Resize updates the pseudo-terminal's window size.
func (h *Handle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.Ptm, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill terminates the child's whole process group, falling back to killing
// just the process if the group lookup fails. Mirrors the teacher's
// Instance.destroy: pty.Start calls setsid, so the child is its own session
// and process-group leader and kill(-pgid) reaches everything it spawned.
func (h *Handle) Kill() error {
	if h.Pid <= 0 {
		return nil
	}
	if pgid, err := syscall.Getpgid(h.Pid); err == nil && pgid > 0 {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return syscall.Kill(h.Pid, syscall.SIGKILL)
}

// Wait blocks until the child exits and reports its outcome. Close should
// be called by the caller once the read loop observes EOF, before Wait.
func (h *Handle) Wait() (exitCode *int, signal *string) {
	err := h.Cmd.Wait()
	if err == nil {
		code := h.Cmd.ProcessState.ExitCode()
		return &code, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal().String()
			return nil, &sig
		}
		code := exitErr.ExitCode()
		return &code, nil
	}
	code := -1
	return &code, nil
}

// Close releases the PTY master file descriptor.
func (h *Handle) Close() error {
	return h.Ptm.Close()
}
