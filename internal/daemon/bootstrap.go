package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// DetachOptions describes a background watcher process.
type DetachOptions struct {
	Executable string // Defaults to os.Executable()
	Workspace  string
	ConfigFile string
	LogFile    string // Receives stdout/stderr when set
}

// DetachedCommand builds the self-exec command for a background watcher:
// snapguard watch --workspace <root> [--config <file>].
// The child runs in its own session so it outlives the terminal.
func DetachedCommand(opts DetachOptions) (*exec.Cmd, error) {
	executable := opts.Executable
	if executable == "" {
		var err error
		if executable, err = os.Executable(); err != nil {
			return nil, err
		}
	}

	args := []string{"watch", "--workspace", opts.Workspace}
	if opts.ConfigFile != "" {
		args = append(args, "--config", opts.ConfigFile)
	}

	cmd := exec.Command(executable, args...)
	cmd.Dir = opts.Workspace
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd, nil
}

// StartDetached spawns the background watcher and returns its pid.
func StartDetached(opts DetachOptions) (int, error) {
	cmd, err := DetachedCommand(opts)
	if err != nil {
		return 0, err
	}
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// The child is reparented once we exit; don't wait on it.
	_ = cmd.Process.Release()
	return pid, nil
}
