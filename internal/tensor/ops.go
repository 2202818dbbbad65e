package tensor

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// MatMulBatched multiplies the trailing two axes of a and b, treating all
// leading axes as a batch. With transposeB, b is read as [..., n, k].
// Leading axes must match exactly.
func MatMulBatched(a, b *Tensor, transposeB bool) (*Tensor, error) {
	if a.Rank() < 2 || a.Rank() != b.Rank() {
		return nil, ShapeErrorf("MatMulBatched", "rank mismatch %v x %v", a.shape, b.shape)
	}
	r := a.Rank()
	for i := 0; i < r-2; i++ {
		if a.shape[i] != b.shape[i] {
			return nil, ShapeErrorf("MatMulBatched", "batch axes differ %v x %v", a.shape, b.shape)
		}
	}
	m, k := a.shape[r-2], a.shape[r-1]
	var n int
	if transposeB {
		if b.shape[r-1] != k {
			return nil, ShapeErrorf("MatMulBatched", "inner dims differ %v x %vᵀ", a.shape, b.shape)
		}
		n = b.shape[r-2]
	} else {
		if b.shape[r-2] != k {
			return nil, ShapeErrorf("MatMulBatched", "inner dims differ %v x %v", a.shape, b.shape)
		}
		n = b.shape[r-1]
	}

	outShape := append(append([]int(nil), a.shape[:r-2]...), m, n)
	out := New(outShape...)
	batches := 1
	for _, d := range a.shape[:r-2] {
		batches *= d
	}

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for bi := 0; bi < batches; bi++ {
		g.Go(func() error {
			ad := a.data[bi*m*k : (bi+1)*m*k]
			bd := b.data[bi*k*n : (bi+1)*k*n]
			od := out.data[bi*m*n : (bi+1)*m*n]
			for row := 0; row < m; row++ {
				for col := 0; col < n; col++ {
					var sum float64
					for l := 0; l < k; l++ {
						var bv float32
						if transposeB {
							bv = bd[col*k+l]
						} else {
							bv = bd[l*n+col]
						}
						sum += float64(ad[row*k+l]) * float64(bv)
					}
					od[row*n+col] = float32(sum)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Linear computes x @ wᵀ for x [..., in] and w [out, in].
func Linear(x, w *Tensor) (*Tensor, error) {
	if w.Rank() != 2 || x.Rank() < 1 || x.Dim(-1) != w.shape[1] {
		return nil, ShapeErrorf("Linear", "input %v incompatible with weight %v", x.shape, w.shape)
	}
	in, outDim := w.shape[1], w.shape[0]
	rows := len(x.data) / max(in, 1)
	outShape := append(append([]int(nil), x.shape[:x.Rank()-1]...), outDim)
	out := New(outShape...)

	parallelism := runtime.NumCPU()
	chunkSize := (rows + parallelism - 1) / parallelism
	var g errgroup.Group
	for start := 0; start < rows; start += chunkSize {
		end := min(start+chunkSize, rows)
		g.Go(func() error {
			for row := start; row < end; row++ {
				xr := x.data[row*in : (row+1)*in]
				for o := 0; o < outDim; o++ {
					wr := w.data[o*in : (o+1)*in]
					var sum float64
					for j, v := range xr {
						sum += float64(v) * float64(wr[j])
					}
					out.data[row*outDim+o] = float32(sum)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Softmax normalizes x in place, accumulating in float64. A row whose
// entries are all -Inf becomes all zeros instead of NaN.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := math.Inf(-1)
	for _, v := range x {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}
	if math.IsInf(maxVal, -1) {
		for i := range x {
			x[i] = 0
		}
		return
	}
	exps := make([]float64, len(x))
	sum := 0.0
	for i, v := range x {
		exps[i] = math.Exp(float64(v) - maxVal)
		sum += exps[i]
	}
	inv := 1.0 / sum
	for i := range x {
		x[i] = float32(exps[i] * inv)
	}
}

// SoftmaxLastAxis applies Softmax to every row of t's last axis in place.
func SoftmaxLastAxis(t *Tensor) {
	n := t.Dim(-1)
	if n == 0 {
		return
	}
	for off := 0; off < len(t.data); off += n {
		Softmax(t.data[off : off+n])
	}
}
