//go:build unix

package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// detachedEnv marks the re-executed background child.
const detachedEnv = "V4L2_RELAYD_DETACHED"

func detached() bool { return os.Getenv(detachedEnv) == "1" }

// detach re-executes the binary in a new session with its working directory
// at / and stdio on /dev/null, then returns in the parent.
func detach(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	cmd.Dir = "/"
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
