//go:build !windows

package runtime

func shutdownCommand() (string, []string) {
	return "shutdown", []string{"-h", "now"}
}
