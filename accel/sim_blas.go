package accel

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// simBLAS issues gonum's float32 BLAS routines as kernels on its stream.
type simBLAS struct {
	stream    Stream
	destroyed atomic.Bool
}

var _ BLAS = (*simBLAS)(nil)

// Float32s returns a view of n float32 values starting at ptr. Ownership is not transferred.
func Float32s(ptr unsafe.Pointer, n int) []float32 {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(ptr), n)
}

func (h *simBLAS) Stream() Stream { return h.stream }

func (h *simBLAS) launch(kernel func() error) {
	if h.destroyed.Load() {
		h.stream.Launch(func() error { return errors.New("BLAS handle used after Destroy") })
		return
	}
	h.stream.Launch(kernel)
}

// Sgemm implements BLAS.
func (h *simBLAS) Sgemm(m, n, k int, alpha float32, a, b unsafe.Pointer, beta float32, c unsafe.Pointer) {
	h.launch(func() error {
		if m == 0 || n == 0 {
			return nil
		}
		cMat := blas32.General{Rows: m, Cols: n, Stride: n, Data: Float32s(c, m*n)}
		if k == 0 {
			blas32.Scal(beta, blas32.Vector{N: m * n, Inc: 1, Data: cMat.Data})
			return nil
		}
		aMat := blas32.General{Rows: m, Cols: k, Stride: k, Data: Float32s(a, m*k)}
		bMat := blas32.General{Rows: k, Cols: n, Stride: n, Data: Float32s(b, k*n)}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha, aMat, bMat, beta, cMat)
		return nil
	})
}

// Saxpy implements BLAS.
func (h *simBLAS) Saxpy(n int, alpha float32, x, y unsafe.Pointer) {
	h.launch(func() error {
		if n == 0 {
			return nil
		}
		blas32.Axpy(alpha, blas32.Vector{N: n, Inc: 1, Data: Float32s(x, n)}, blas32.Vector{N: n, Inc: 1, Data: Float32s(y, n)})
		return nil
	})
}

// Sscal implements BLAS.
func (h *simBLAS) Sscal(n int, alpha float32, x unsafe.Pointer) {
	h.launch(func() error {
		if n == 0 {
			return nil
		}
		blas32.Scal(alpha, blas32.Vector{N: n, Inc: 1, Data: Float32s(x, n)})
		return nil
	})
}

// Destroy implements BLAS.
func (h *simBLAS) Destroy() error {
	h.destroyed.Store(true)
	return nil
}
