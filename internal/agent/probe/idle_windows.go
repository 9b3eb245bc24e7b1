//go:build windows

package probe

import (
	"context"
	"syscall"
	"unsafe"
)

var (
	user32           = syscall.NewLazyDLL("user32.dll")
	kernel32         = syscall.NewLazyDLL("kernel32.dll")
	getLastInputInfo = user32.NewProc("GetLastInputInfo")
	getTickCount     = kernel32.NewProc("GetTickCount")
)

// lastInputInfo mirrors the Win32 LASTINPUTINFO structure.
type lastInputInfo struct {
	cbSize uint32
	dwTime uint32
}

// idleSeconds reads user idle time on Windows from the last-input tick
// counter. The 32-bit tick counter wraps after 49.7 days; the unsigned
// subtraction still yields the correct delta across a single wrap.
func idleSeconds(_ context.Context) int {
	var lii lastInputInfo
	lii.cbSize = uint32(unsafe.Sizeof(lii))

	ret, _, _ := getLastInputInfo.Call(uintptr(unsafe.Pointer(&lii)))
	if ret == 0 {
		return 0
	}

	ticks, _, _ := getTickCount.Call()
	millis := uint32(ticks) - lii.dwTime
	return int(millis / 1000)
}
