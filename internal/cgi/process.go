package cgi

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Process is a spawned CGI child with non-blocking stdio fds ready to be
// registered with the reactor. Stdin/Stdout are raw fds (not *os.File)
// because the reactor registers fds directly (internal/reactor); CloseStdin
// and CloseStdout release the ends the supervisor owns.
type Process struct {
	cmd *exec.Cmd

	StdinFD  int
	StdoutFD int

	stdinFile  *os.File
	stdoutFile *os.File
}

// Spawn execs interpreter+scriptPath (or scriptPath alone when interpreter
// is empty), working directory set to the script's containing directory,
// per spec.md §4.7: "If an interpreter is configured for the file
// extension, exec {interpreter, script_path}; otherwise exec the script
// directly. Working directory is the script's containing directory."
func Spawn(scriptPath, interpreter string, env []string) (*Process, error) {
	var cmd *exec.Cmd
	if interpreter != "" {
		cmd = exec.Command(interpreter, scriptPath)
	} else {
		cmd = exec.Command(scriptPath)
	}
	cmd.Dir = filepath.Dir(scriptPath)
	cmd.Env = env

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("cgi: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("cgi: stdout pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = nil // inherits devnull-equivalent: left unset, discarded by the OS default for this exec path

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("cgi: exec: %w", err)
	}

	// The child's ends are now open in the child process; close our copies
	// so EOF/EPIPE propagate correctly (spec.md §4.7's close-on-exec note:
	// "close-on-exec is cleared from the pipe endpoints that become the
	// child's stdio" -- os.Pipe already hands the child dup'd descendants
	// of stdinR/stdoutW via cmd.Start, so closing our copies here is the
	// parent-side half of that handover).
	stdinR.Close()
	stdoutW.Close()

	if err := unix.SetNonblock(int(stdinW.Fd()), true); err != nil {
		return nil, fmt.Errorf("cgi: set stdin nonblocking: %w", err)
	}
	if err := unix.SetNonblock(int(stdoutR.Fd()), true); err != nil {
		return nil, fmt.Errorf("cgi: set stdout nonblocking: %w", err)
	}

	return &Process{
		cmd:        cmd,
		StdinFD:    int(stdinW.Fd()),
		StdoutFD:   int(stdoutR.Fd()),
		stdinFile:  stdinW,
		stdoutFile: stdoutR,
	}, nil
}

// Pid returns the child's process ID.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// CloseStdin closes the write end of the child's stdin, signalling EOF to
// the child (spec.md §4.7: "EOF on the client body closes stdin").
func (p *Process) CloseStdin() error { return p.stdinFile.Close() }

// CloseStdout closes our read end (used on early teardown when the client
// disconnects while the child is still alive).
func (p *Process) CloseStdout() error { return p.stdoutFile.Close() }

// Signal sends sig to the child process.
func (p *Process) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

// Wait blocks until the child exits and returns its exit code. Intended to
// be called from the reactor's RegisterChild watcher goroutine, never from
// the reactor goroutine itself.
func (p *Process) Wait() (exitCode int, err error) {
	err = p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
