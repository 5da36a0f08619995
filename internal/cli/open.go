package cli

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openBrowser launches rawURL in the platform default browser,
// grounded on the same GOOS switch the examples pack uses for this
// exact purpose. A platform with no known opener returns an error and
// starts nothing.
func openBrowser(rawURL string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", rawURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL)
	case "linux":
		cmd = exec.Command("xdg-open", rawURL)
	default:
		return fmt.Errorf("cli: no known browser opener for %s", runtime.GOOS)
	}

	return cmd.Start()
}
