//go:build !unix

package autograde

import "os/exec"

func isolateProcess(cmd *exec.Cmd) {}
