package ops

import (
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/gomlx/devexec/accel"
	"github.com/gomlx/devexec/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// This file holds the reference kernels. Each constructor returns a Task with both a CPU and a GPU body.
// Parameters are validated when the body runs, so invalid tasks fail on the device with an execution error.

// checkFloat32 validates that all data are Float32 with the given number of elements.
func checkFloat32(numElements int, data ...Data) error {
	for _, d := range data {
		if d.DType != dtypes.Float32 {
			return errors.Errorf("data %s: only Float32 is supported", d)
		}
		if d.NumElements() != numElements {
			return errors.Errorf("data %s: expected %d elements, got %d", d, numElements, d.NumElements())
		}
	}
	return nil
}

func float32s(ctx *Context, isOutput bool, idx int) []float32 {
	locs, data := ctx.Inputs, ctx.Task.Inputs
	if isOutput {
		locs, data = ctx.Outputs, ctx.Task.Outputs
	}
	return accel.Float32s(locs[idx].Ptr, data[idx].NumElements())
}

// Fill sets every element of out (Float32) to value.
func Fill(id TaskID, out Data, value float32) *Task {
	fill := func(ctx *Context) error {
		if err := checkFloat32(out.NumElements(), out); err != nil {
			return err
		}
		z := float32s(ctx, true, 0)
		for ii := range z {
			z[ii] = value
		}
		return nil
	}
	return &Task{
		ID:      id,
		Name:    "Fill",
		Outputs: []Data{out},
		CPU:     fill,
		GPU: func(ctx *Context) error {
			ctx.Stream.Launch(func() error { return fill(ctx) })
			return nil
		},
	}
}

// Add computes out = a + b, all Float32 with the same number of elements.
func Add(id TaskID, a, b, out Data) *Task {
	return &Task{
		ID:      id,
		Name:    "Add",
		Inputs:  []Data{a, b},
		Outputs: []Data{out},
		CPU: func(ctx *Context) error {
			if err := checkFloat32(out.NumElements(), a, b, out); err != nil {
				return err
			}
			x, y, z := float32s(ctx, false, 0), float32s(ctx, false, 1), float32s(ctx, true, 0)
			for ii := range z {
				z[ii] = x[ii] + y[ii]
			}
			return nil
		},
		GPU: func(ctx *Context) error {
			if err := checkFloat32(out.NumElements(), a, b, out); err != nil {
				return err
			}
			// out = a; out += 1 * b
			ctx.Stream.MemcpyAsync(ctx.Outputs[0].Ptr, ctx.Inputs[0].Ptr, out.Size())
			ctx.BLAS.Saxpy(out.NumElements(), 1, ctx.Inputs[1].Ptr, ctx.Outputs[0].Ptr)
			return nil
		},
	}
}

// Scale computes out = alpha * in, Float32.
func Scale(id TaskID, in, out Data, alpha float32) *Task {
	return &Task{
		ID:      id,
		Name:    "Scale",
		Inputs:  []Data{in},
		Outputs: []Data{out},
		CPU: func(ctx *Context) error {
			if err := checkFloat32(out.NumElements(), in, out); err != nil {
				return err
			}
			x, y := float32s(ctx, false, 0), float32s(ctx, true, 0)
			for ii := range y {
				y[ii] = alpha * x[ii]
			}
			return nil
		},
		GPU: func(ctx *Context) error {
			if err := checkFloat32(out.NumElements(), in, out); err != nil {
				return err
			}
			ctx.Stream.MemcpyAsync(ctx.Outputs[0].Ptr, ctx.Inputs[0].Ptr, out.Size())
			ctx.BLAS.Sscal(out.NumElements(), alpha, ctx.Outputs[0].Ptr)
			return nil
		},
	}
}

// Sigmoid computes out = 1 / (1 + exp(-in)), Float32.
func Sigmoid(id TaskID, in, out Data) *Task {
	sigmoid := func(ctx *Context) error {
		if err := checkFloat32(out.NumElements(), in, out); err != nil {
			return err
		}
		x, y := float32s(ctx, false, 0), float32s(ctx, true, 0)
		for ii := range y {
			y[ii] = 1 / (1 + math32.Exp(-x[ii]))
		}
		return nil
	}
	return &Task{
		ID:      id,
		Name:    "Sigmoid",
		Inputs:  []Data{in},
		Outputs: []Data{out},
		CPU:     sigmoid,
		GPU: func(ctx *Context) error {
			ctx.Stream.Launch(func() error { return sigmoid(ctx) })
			return nil
		},
	}
}

// checkMatMul validates the shapes of out[m, n] = a[m, k] x b[k, n] and returns m, n, k.
func checkMatMul(a, b, out Data) (m, n, k int, err error) {
	for _, d := range []Data{a, b, out} {
		if d.DType != dtypes.Float32 || len(d.Dimensions) != 2 {
			return 0, 0, 0, errors.Errorf("MatMul: data %s must be a Float32 matrix", d)
		}
	}
	m, k, n = a.Dimensions[0], a.Dimensions[1], b.Dimensions[1]
	if b.Dimensions[0] != k || out.Dimensions[0] != m || out.Dimensions[1] != n {
		return 0, 0, 0, errors.Errorf("MatMul: incompatible shapes %s x %s -> %s", a, b, out)
	}
	return m, n, k, nil
}

// MatMul computes out[m, n] = a[m, k] x b[k, n], Float32 row-major matrices.
func MatMul(id TaskID, a, b, out Data) *Task {
	return &Task{
		ID:      id,
		Name:    "MatMul",
		Inputs:  []Data{a, b},
		Outputs: []Data{out},
		CPU: func(ctx *Context) error {
			m, n, k, err := checkMatMul(a, b, out)
			if err != nil {
				return err
			}
			c := float32s(ctx, true, 0)
			if m == 0 || n == 0 {
				return nil
			}
			if k == 0 {
				clear(c)
				return nil
			}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				blas32.General{Rows: m, Cols: k, Stride: k, Data: float32s(ctx, false, 0)},
				blas32.General{Rows: k, Cols: n, Stride: n, Data: float32s(ctx, false, 1)},
				0, blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
			return nil
		},
		GPU: func(ctx *Context) error {
			m, n, k, err := checkMatMul(a, b, out)
			if err != nil {
				return err
			}
			ctx.BLAS.Sgemm(m, n, k, 1, ctx.Inputs[0].Ptr, ctx.Inputs[1].Ptr, 0, ctx.Outputs[0].Ptr)
			return nil
		},
	}
}

// Cast converts in to out, between Float32 and Float16, with the same number of elements.
func Cast(id TaskID, in, out Data) *Task {
	cast := func(ctx *Context) error {
		if in.NumElements() != out.NumElements() {
			return errors.Errorf("Cast: %s and %s have different number of elements", in, out)
		}
		n := in.NumElements()
		if n == 0 {
			return nil
		}
		switch {
		case in.DType == dtypes.Float32 && out.DType == dtypes.Float16:
			dtypes.Float32ToFloat16(unsafe.Slice((*float16.Float16)(ctx.Outputs[0].Ptr), n), accel.Float32s(ctx.Inputs[0].Ptr, n))
		case in.DType == dtypes.Float16 && out.DType == dtypes.Float32:
			dtypes.Float16ToFloat32(accel.Float32s(ctx.Outputs[0].Ptr, n), unsafe.Slice((*float16.Float16)(ctx.Inputs[0].Ptr), n))
		case in.DType == out.DType:
			copy(ctx.Outputs[0].Bytes(), ctx.Inputs[0].Bytes())
		default:
			return errors.Errorf("Cast: conversion from %s to %s not supported", in.DType, out.DType)
		}
		return nil
	}
	return &Task{
		ID:      id,
		Name:    "Cast",
		Inputs:  []Data{in},
		Outputs: []Data{out},
		CPU:     cast,
		GPU: func(ctx *Context) error {
			ctx.Stream.Launch(func() error { return cast(ctx) })
			return nil
		},
	}
}
