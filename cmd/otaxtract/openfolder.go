package main

import (
	"os/exec"
	"runtime"
)

// openFolder best-effort opens dir in the platform's file manager. Any
// failure is silently ignored; the extraction already succeeded and
// reporting its path on stdout is enough for a user without a desktop.
func openFolder(dir string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", dir)
	case "windows":
		cmd = exec.Command("explorer", dir)
	case "linux":
		cmd = exec.Command("xdg-open", dir)
	default:
		return
	}
	_ = cmd.Start()
}
