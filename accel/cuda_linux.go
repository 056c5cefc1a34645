//go:build linux

package accel

import (
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// This file holds the detection of Nvidia hardware, reported by the tooling next to the accelerators actually
// available to the process.

var (
	hasNvidiaGPUOnce  sync.Once
	hasNvidiaGPUValue bool
)

// HasNvidiaGPU tries to guess if there is an actual Nvidia GPU installed (as opposed to only the drivers
// installed, but no actual hardware).
// It does that by checking for the presence of the device files in /dev/nvidia*, and falling back to running
// nvidia-smi. The result is cached.
func HasNvidiaGPU() bool {
	hasNvidiaGPUOnce.Do(func() {
		hasNvidiaGPUValue = detectNvidiaGPU()
	})
	return hasNvidiaGPUValue
}

func detectNvidiaGPU() bool {
	matches, err := filepath.Glob("/dev/nvidia*")
	if err != nil {
		klog.Errorf("Failed to figure out if there is an Nvidia GPU installed while searching for files matching \"/dev/nvidia*\": %v", err)
	}
	if len(matches) > 0 {
		return true
	}
	klog.V(1).Infof("No NVidia devices found matching \"/dev/nvidia*\", checking nvidia-smi command instead.")

	if _, lookErr := exec.LookPath("nvidia-smi"); lookErr == nil {
		output, cmdErr := exec.Command("nvidia-smi").CombinedOutput()
		if cmdErr == nil && strings.Contains(string(output), "NVIDIA-SMI") {
			return true
		}
	}
	klog.V(1).Infof("nvidia-smi command did not succeed, assuming there are no GPU cards installed in the system.")
	return false
}
