// devexec exercises the device layer: it lists the devices it can create, and runs a small dataflow workload
// across CPU devices and simulated accelerator devices.
//
//	$ devexec devices --gpus=2
//	$ devexec run --chains=8 --size=4096 -v=2
//	$ devexec stats --chains=16
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Flags shared by all commands.
var (
	flagCPUs, flagGPUs, flagCPULanes, flagGPULanes int
	flagSimMemory                                  int64
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "devexec",
		Short:         "Execute dataflow tasks on CPU and accelerator devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	goFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)

	pf := rootCmd.PersistentFlags()
	pf.IntVar(&flagCPUs, "cpus", 1, "Number of CPU devices.")
	pf.IntVar(&flagGPUs, "gpus", 1, "Number of simulated accelerator devices, each with its own GPU device.")
	pf.IntVar(&flagCPULanes, "cpu_lanes", 0, "Lanes per CPU device. If 0, $DEVEXEC_CPU_LANES or the default is used.")
	pf.IntVar(&flagGPULanes, "gpu_lanes", 0, "Lanes per GPU device. If 0, $DEVEXEC_GPU_LANES or the default is used.")
	pf.Int64Var(&flagSimMemory, "sim_memory", 0, "Memory in bytes of each simulated accelerator. If 0 it is unlimited.")

	rootCmd.AddCommand(newDevicesCmd(), newRunCmd(), newStatsCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
