package heatcount

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"
)

// Device is a compute device a model replica runs on.  For the CPU backend a
// device is a set of cores the replica worker thread is pinned to, an empty
// core list leaves scheduling to the OS.
type Device struct {
	// ID is the device number used in logs
	ID int `json:"id"`
	// Cores are the CPU core numbers to pin to, eg: []int{4,5}
	Cores []int `json:"cores"`
}

// Devices returns n devices without core pinning
func Devices(n int) []Device {

	devs := make([]Device, n)

	for i := range devs {
		devs[i] = Device{ID: i}
	}

	return devs
}

// SetCPUAffinity sets the CPU Affinity mask of the calling thread to run on
// the specified cores
func SetCPUAffinity(mask uintptr) error {

	_, _, err := syscall.RawSyscall(syscall.SYS_SCHED_SETAFFINITY, 0,
		unsafe.Sizeof(mask), uintptr(unsafe.Pointer(&mask)))

	if err != 0 {
		return fmt.Errorf("failed to set CPU affinity: %w", err)
	}

	return nil
}

// GetCPUAffinity gets the current CPU Affinity mask the calling thread is
// running on
func GetCPUAffinity() (uintptr, error) {

	var mask uintptr

	_, _, err := syscall.RawSyscall(syscall.SYS_SCHED_GETAFFINITY, 0,
		unsafe.Sizeof(mask), uintptr(unsafe.Pointer(&mask)))

	if err != 0 {
		return 0, fmt.Errorf("failed to get CPU affinity: %w", err)
	}

	return mask, nil
}

// CPUCoreMask calculates the core mask by passing in the CPU core numbers as a
// slice, eg: []int{4,5,6,7}
func CPUCoreMask(cores []int) uintptr {

	var mask uintptr

	for _, core := range cores {
		mask |= 1 << core
	}

	return mask
}

// pinThread locks the calling goroutine to its OS thread and restricts that
// thread to the device cores.  The goroutine must exit without unlocking so
// the runtime discards the pinned thread instead of reusing it.
func pinThread(d Device) error {

	if len(d.Cores) == 0 {
		return nil
	}

	runtime.LockOSThread()

	return SetCPUAffinity(CPUCoreMask(d.Cores))
}
