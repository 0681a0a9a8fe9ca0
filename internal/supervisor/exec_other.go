//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

// 沒有 process group 與 SIGTERM，只能直接 kill
var termSignal = os.Kill

func setProcessGroup(*exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig os.Signal) error { return cmd.Process.Signal(sig) }

func killGroup(cmd *exec.Cmd) error { return cmd.Process.Kill() }

func exitSignal(*os.ProcessState) string { return "" }
