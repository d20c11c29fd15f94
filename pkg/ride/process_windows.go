//go:build windows

package ride

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// setProcessGroup starts the child in a new process group so the
// taskkill tree below reaches its descendants.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminateGroup asks the child's process tree to exit.
func terminateGroup(p *os.Process) {
	if p == nil {
		return
	}
	exec.Command("taskkill", "/T", "/PID", strconv.Itoa(p.Pid)).Run()
}

// killGroup forcefully terminates the child's process tree.
func killGroup(p *os.Process) {
	if p == nil {
		return
	}
	exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(p.Pid)).Run()
}

// shellCommand wraps a shell string for the platform shell.
func shellCommand(command string) (string, []string) {
	return "cmd", []string{"/C", command}
}
