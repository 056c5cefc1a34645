package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/gomlx/devexec/accel"
	"github.com/gomlx/devexec/device"
	"github.com/gomlx/devexec/ops"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// newManager creates the Manager with the devices configured by the flags: first the CPU devices, then one GPU
// device per simulated accelerator.
func newManager(registry *ops.Registry, listener device.Listener) (*device.Manager, error) {
	if flagCPUs < 1 {
		return nil, errors.Errorf("at least one CPU device is required, got --cpus=%d", flagCPUs)
	}
	if flagGPUs < 0 {
		return nil, errors.Errorf("invalid --gpus=%d", flagGPUs)
	}
	var accelerator accel.Accelerator
	if flagGPUs > 0 {
		accelerator = accel.NewSim(accel.WithSimDevices(flagGPUs), accel.WithSimMemory(flagSimMemory))
	}
	m := device.NewManager(registry, listener, accelerator)
	for range flagCPUs {
		if _, err := m.NewCPUDevice(device.WithLanes(flagCPULanes)); err != nil {
			_ = m.Close()
			return nil, err
		}
	}
	for ordinal := range flagGPUs {
		if _, err := m.NewGPUDevice(ordinal, device.WithLanes(flagGPULanes)); err != nil {
			_ = m.Close()
			return nil, err
		}
	}
	return m, nil
}

// lanes returns the number of lanes of d, if it reports it.
func lanes(d device.Device) string {
	if l, ok := d.(interface{ Lanes() int }); ok {
		return strconv.Itoa(l.Lanes())
	}
	return "?"
}

func printDevices(out io.Writer, devices []device.Device) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Name", "Memory", "Lanes"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, d := range devices {
		table.Append([]string{strconv.FormatUint(d.ID(), 10), d.Name(), d.MemType().String(), lanes(d)})
	}
	table.Render()
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices created with the given flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := newManager(ops.NewRegistry(), device.NewRecorder())
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()
			out := cmd.OutOrStdout()
			printDevices(out, m.Devices())
			if accel.HasNvidiaGPU() {
				fmt.Fprintln(out, "\nAn NVIDIA GPU was detected: accelerator devices above are simulated.")
			}
			return nil
		},
	}
}
