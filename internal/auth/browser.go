package auth

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openBrowser opens a URL in the system's default browser.
func openBrowser(u string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", u).Start()
	case "linux":
		return exec.Command("xdg-open", u).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", u).Start()
	default:
		return fmt.Errorf("unsupported platform %q for opening browser", runtime.GOOS)
	}
}
