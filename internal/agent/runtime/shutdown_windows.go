//go:build windows

package runtime

func shutdownCommand() (string, []string) {
	return "shutdown", []string{"/s", "/f", "/t", "0"}
}
