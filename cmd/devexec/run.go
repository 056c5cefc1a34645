package main

import (
	"fmt"
	"io"
	"strconv"
	"time"
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/gomlx/devexec/accel"
	"github.com/gomlx/devexec/datastore"
	"github.com/gomlx/devexec/device"
	"github.com/gomlx/devexec/dtypes"
	"github.com/gomlx/devexec/ops"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Flags of the workload.
var (
	flagChains, flagSize, flagProducers int
	flagTimeout                         time.Duration
	flagDType                           string
)

func addWorkloadFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flagChains, "chains", 4, "Number of independent chains of tasks.")
	cmd.Flags().IntVar(&flagSize, "size", 1024, "Number of float32 elements of each buffer.")
	cmd.Flags().IntVar(&flagProducers, "producers", 2, "Number of goroutines pushing the chains.")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", time.Minute, "Maximum time to wait for each task.")
	cmd.Flags().StringVar(&flagDType, "dtype", "float32", "DType of the final result of each chain: Float32 or Float16.")
}

// resultDType parses --dtype.
func resultDType() (dtypes.DType, error) {
	dtype, found := dtypes.MapOfNames[flagDType]
	if !found || !dtype.IsValid() {
		return dtypes.Invalid, errors.Errorf("unknown --dtype=%q", flagDType)
	}
	if !dtype.IsFloat() || dtype == dtypes.Float64 {
		return dtypes.Invalid, errors.Errorf("--dtype=%s not supported, use Float32 or Float16", dtype)
	}
	return dtype, nil
}

// workload is a set of chains, each one a sequence of tasks moving data between a CPU device and a GPU device:
//
//	x = fill(k) on CPU; y = sigmoid(x) on GPU; s = 2*y on GPU; z = s + x on CPU
//
// where k = chain+1, and z is verified on the CPU device. If the result dtype is not Float32, z is also cast to it
// on the CPU device, and the cast value is verified instead.
type workload struct {
	runID    string
	dtype    dtypes.DType
	registry *ops.Registry
	recorder *device.Recorder
	manager  *device.Manager
}

const stepsPerChain = 5

func (w *workload) taskID(chain, step int) ops.TaskID {
	return ops.TaskID(chain*stepsPerChain + step + 1)
}

func (w *workload) data(chain, step int) ops.Data {
	return ops.Data{ID: datastore.DataID(chain*stepsPerChain + step + 1), DType: dtypes.Float32, Dimensions: []int{flagSize}}
}

// push registers and pushes the task to d, and waits for its outcome.
func (w *workload) push(d device.Device, task *ops.Task) error {
	if err := w.registry.Register(task); err != nil {
		return err
	}
	d.PushTask(task.ID)
	n, err := w.recorder.WaitFor(d.ID(), task.ID, flagTimeout)
	if err != nil {
		return err
	}
	if n.Failed {
		return errors.WithMessagef(n.Err, "run %s: %s failed on %s with %s", w.runID, task, d.Name(), n.Kind)
	}
	return nil
}

// step is one task of a chain, and the device it runs on.
type step struct {
	d    device.Device
	task *ops.Task
}

// runChain runs one chain on a CPU device and, if there is one, a GPU device.
func (w *workload) runChain(chain int, cpu, gpu device.Device) error {
	if gpu == nil {
		gpu = cpu
	}
	k := float32(chain + 1)
	x, y, s, z := w.data(chain, 0), w.data(chain, 1), w.data(chain, 2), w.data(chain, 3)
	steps := []step{
		{cpu, ops.Fill(w.taskID(chain, 0), x, k)},
		{gpu, ops.Sigmoid(w.taskID(chain, 1), x.At(cpu.ID()), y)},
		{gpu, ops.Scale(w.taskID(chain, 2), y.At(gpu.ID()), s, 2)},
		{cpu, ops.Add(w.taskID(chain, 3), s.At(gpu.ID()), x.At(cpu.ID()), z)},
	}
	result := z
	if w.dtype != dtypes.Float32 {
		result = w.data(chain, 4)
		result.DType = w.dtype
		steps = append(steps, step{cpu, ops.Cast(w.taskID(chain, 4), z.At(cpu.ID()), result)})
	}
	for _, st := range steps {
		if err := w.push(st.d, st.task); err != nil {
			return err
		}
	}

	_, ptr, err := cpu.GetPtr(result.ID)
	if err != nil {
		return err
	}
	values, tolerance := accel.Float32s(ptr, flagSize), float32(1e-5)
	if result.DType == dtypes.Float16 {
		values, tolerance = make([]float32, flagSize), 1e-3
		dtypes.Float16ToFloat32(values, unsafe.Slice((*float16.Float16)(ptr), flagSize))
	}
	want := 2/(1+math32.Exp(-k)) + k
	for ii, v := range values {
		if math32.Abs(v-want) > tolerance*want {
			return errors.Errorf("run %s: chain %d, element %d: got %g, wanted %g", w.runID, chain, ii, v, want)
		}
	}
	klog.V(1).Infof("run %s: chain %d verified", w.runID, chain)

	// Intermediate results are no longer needed anywhere.
	intermediate := []ops.Data{x, y, s}
	if result.ID != z.ID {
		intermediate = append(intermediate, z)
	}
	for _, d := range intermediate {
		w.manager.FreeData(d.ID)
	}
	return nil
}

// runWorkload executes all chains, distributed over the producers, and returns the workload with the final
// state of the devices. The caller must close its manager.
func runWorkload() (*workload, error) {
	if flagChains < 1 || flagSize < 1 || flagProducers < 1 {
		return nil, errors.Errorf("--chains, --size and --producers must be positive")
	}
	dtype, err := resultDType()
	if err != nil {
		return nil, err
	}
	w := &workload{
		runID:    uuid.NewString(),
		dtype:    dtype,
		registry: ops.NewRegistry(),
		recorder: device.NewRecorder(),
	}
	w.manager, err = newManager(w.registry, w.recorder)
	if err != nil {
		return nil, err
	}
	klog.Infof("run %s: %d chains of %d elements on %d devices, results in %s", w.runID, flagChains, flagSize,
		len(w.manager.Devices()), w.dtype)

	devices := w.manager.Devices()
	cpus, gpus := devices[:flagCPUs], devices[flagCPUs:]
	var g errgroup.Group
	for producer := range flagProducers {
		g.Go(func() error {
			for chain := producer; chain < flagChains; chain += flagProducers {
				var gpu device.Device
				if len(gpus) > 0 {
					gpu = gpus[chain%len(gpus)]
				}
				if err := w.runChain(chain, cpus[chain%len(cpus)], gpu); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		_ = w.manager.Close()
		return nil, err
	}
	return w, nil
}

func printStats(out io.Writer, devices []device.Device) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Device", "Completed", "Failed", "Transfers", "Shared", "Bytes", "Local", "Remote", "Buffers", "In use"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	i64 := func(v int64) string { return strconv.FormatInt(v, 10) }
	for _, d := range devices {
		s := d.Stats()
		table.Append([]string{d.Name(), i64(s.TasksCompleted), i64(s.TasksFailed), i64(s.Transfers),
			i64(s.SharedTransfers), i64(s.BytesTransferred), strconv.Itoa(s.Local), strconv.Itoa(s.Remote),
			strconv.Itoa(s.Store.Entries), i64(s.Store.BytesInUse)})
	}
	table.Render()
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run chains of tasks moving data between CPU and GPU devices, and verify their results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			w, err := runWorkload()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s: %d chains verified in %s\n", w.runID, flagChains, time.Since(start))
			return w.manager.Close()
		},
	}
	addWorkloadFlags(cmd)
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Run the same workload as \"run\" and print the statistics of each device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := runWorkload()
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), w.manager.Devices())
			return w.manager.Close()
		},
	}
	addWorkloadFlags(cmd)
	return cmd
}
