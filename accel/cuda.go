//go:build !linux

package accel

// HasNvidiaGPU always returns false outside linux.
func HasNvidiaGPU() bool { return false }
