package kernels

import (
	"context"
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/tensorval"
)

// registerBuiltins installs the float32 op set the trace producer emits.
func registerBuiltins(r *Registry) {
	r.Register("aten.add", binaryElementwise(func(a, b float32) float32 { return a + b }))
	r.Register("aten.sub", binaryElementwise(func(a, b float32) float32 { return a - b }))
	r.Register("aten.mul", binaryElementwise(func(a, b float32) float32 { return a * b }))
	r.Register("aten.relu", unaryElementwise(func(x float32) float32 {
		if x < 0 {
			return 0
		}
		return x
	}))
	r.Register("aten.sigmoid", unaryElementwise(func(x float32) float32 {
		return float32(1 / (1 + math.Exp(-float64(x))))
	}))
	r.Register("aten.t", kernelTranspose)
	r.Register("aten.matmul", kernelMatmul)
	r.Register("aten.addmm", kernelAddmm)
	r.Register("aten.linear", kernelLinear)
	r.Register("aten.copy_", kernelCopyInPlace)
}

func tensorArg(args []cty.Value, i int) (*tensors.Tensor, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("missing tensor argument %d", i)
	}
	t, err := tensorval.MustTensor(args[i])
	if err != nil {
		return nil, fmt.Errorf("argument %d: %w", i, err)
	}
	if t.DType() != dtypes.Float32 {
		return nil, fmt.Errorf("argument %d: only float32 tensors are supported, got %s", i, t.DType())
	}
	return t, nil
}

func flatData(t *tensors.Tensor) []float32 {
	var out []float32
	tensors.ConstFlatData(t, func(flat []float32) {
		out = append(out, flat...)
	})
	return out
}

func unaryElementwise(f func(float32) float32) Kernel {
	return func(_ context.Context, args []cty.Value, _ map[string]cty.Value) (cty.Value, error) {
		t, err := tensorArg(args, 0)
		if err != nil {
			return cty.NilVal, err
		}
		data := flatData(t)
		for i, v := range data {
			data[i] = f(v)
		}
		return tensorval.TensorVal(tensors.FromFlatDataAndDimensions(data, t.Shape().Dimensions...)), nil
	}
}

func binaryElementwise(f func(a, b float32) float32) Kernel {
	return func(_ context.Context, args []cty.Value, _ map[string]cty.Value) (cty.Value, error) {
		a, err := tensorArg(args, 0)
		if err != nil {
			return cty.NilVal, err
		}
		b, err := tensorArg(args, 1)
		if err != nil {
			return cty.NilVal, err
		}
		outDims, err := broadcastDims(a.Shape().Dimensions, b.Shape().Dimensions)
		if err != nil {
			return cty.NilVal, err
		}
		av, bv := flatData(a), flatData(b)
		out := make([]float32, numElements(outDims))
		idx := make([]int, len(outDims))
		for flat := range out {
			out[flat] = f(
				av[broadcastIndex(idx, a.Shape().Dimensions)],
				bv[broadcastIndex(idx, b.Shape().Dimensions)],
			)
			advance(idx, outDims)
		}
		return tensorval.TensorVal(tensors.FromFlatDataAndDimensions(out, outDims...)), nil
	}
}

func kernelTranspose(_ context.Context, args []cty.Value, _ map[string]cty.Value) (cty.Value, error) {
	t, err := tensorArg(args, 0)
	if err != nil {
		return cty.NilVal, err
	}
	dims := t.Shape().Dimensions
	if len(dims) != 2 {
		return cty.NilVal, fmt.Errorf("aten.t expects a rank-2 tensor, got rank %d", len(dims))
	}
	rows, cols := dims[0], dims[1]
	src := flatData(t)
	out := make([]float32, len(src))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = src[i*cols+j]
		}
	}
	return tensorval.TensorVal(tensors.FromFlatDataAndDimensions(out, cols, rows)), nil
}

func matmul2d(a, b *tensors.Tensor) ([]float32, int, int, error) {
	ad, bd := a.Shape().Dimensions, b.Shape().Dimensions
	if len(ad) != 2 || len(bd) != 2 {
		return nil, 0, 0, fmt.Errorf("matmul expects rank-2 tensors, got ranks %d and %d", len(ad), len(bd))
	}
	m, k := ad[0], ad[1]
	k2, n := bd[0], bd[1]
	if k != k2 {
		return nil, 0, 0, fmt.Errorf("matmul inner dimensions do not agree: %d vs %d", k, k2)
	}
	av, bv := flatData(a), flatData(b)
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for l := 0; l < k; l++ {
			aik := av[i*k+l]
			if aik == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out[i*n+j] += aik * bv[l*n+j]
			}
		}
	}
	return out, m, n, nil
}

func kernelMatmul(_ context.Context, args []cty.Value, _ map[string]cty.Value) (cty.Value, error) {
	a, err := tensorArg(args, 0)
	if err != nil {
		return cty.NilVal, err
	}
	b, err := tensorArg(args, 1)
	if err != nil {
		return cty.NilVal, err
	}
	out, m, n, err := matmul2d(a, b)
	if err != nil {
		return cty.NilVal, err
	}
	return tensorval.TensorVal(tensors.FromFlatDataAndDimensions(out, m, n)), nil
}

// kernelAddmm computes bias + a @ b with the bias broadcast over rows.
func kernelAddmm(_ context.Context, args []cty.Value, _ map[string]cty.Value) (cty.Value, error) {
	bias, err := tensorArg(args, 0)
	if err != nil {
		return cty.NilVal, err
	}
	a, err := tensorArg(args, 1)
	if err != nil {
		return cty.NilVal, err
	}
	b, err := tensorArg(args, 2)
	if err != nil {
		return cty.NilVal, err
	}
	out, m, n, err := matmul2d(a, b)
	if err != nil {
		return cty.NilVal, err
	}
	bv := flatData(bias)
	if len(bv) != n && len(bv) != m*n {
		return cty.NilVal, fmt.Errorf("addmm bias has %d elements, expected %d or %d", len(bv), n, m*n)
	}
	for i := range out {
		if len(bv) == n {
			out[i] += bv[i%n]
		} else {
			out[i] += bv[i]
		}
	}
	return tensorval.TensorVal(tensors.FromFlatDataAndDimensions(out, m, n)), nil
}

// kernelLinear computes x @ w^T + bias, the fused form some traces emit.
func kernelLinear(ctx context.Context, args []cty.Value, kwargs map[string]cty.Value) (cty.Value, error) {
	if len(args) < 2 {
		return cty.NilVal, fmt.Errorf("aten.linear expects at least input and weight")
	}
	wt, err := kernelTranspose(ctx, args[1:2], nil)
	if err != nil {
		return cty.NilVal, err
	}
	prod, err := kernelMatmul(ctx, []cty.Value{args[0], wt}, nil)
	if err != nil {
		return cty.NilVal, err
	}
	if len(args) < 3 {
		return prod, nil
	}
	return kernelAddmm(ctx, []cty.Value{args[2], args[0], wt}, nil)
}

// kernelCopyInPlace writes src's data through to dst's backing storage and
// yields dst, so downstream consumers observe the updated buffer.
func kernelCopyInPlace(_ context.Context, args []cty.Value, _ map[string]cty.Value) (cty.Value, error) {
	dst, err := tensorArg(args, 0)
	if err != nil {
		return cty.NilVal, err
	}
	src, err := tensorArg(args, 1)
	if err != nil {
		return cty.NilVal, err
	}
	if dst.Size() != src.Size() {
		return cty.NilVal, fmt.Errorf("copy_ size mismatch: destination has %d elements, source %d", dst.Size(), src.Size())
	}
	srcData := flatData(src)
	tensors.MutableFlatData(dst, func(flat []float32) {
		copy(flat, srcData)
	})
	return args[0], nil
}

// broadcastDims aligns two dimension lists from the right; each position
// must agree or be 1.
func broadcastDims(a, b []int) ([]int, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i >= n-len(a) {
			da = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			db = b[i-(n-len(b))]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("cannot broadcast dimensions %v and %v", a, b)
		}
	}
	return out, nil
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// broadcastIndex maps a multi-index in the broadcast output space to a flat
// index into a tensor with the given (right-aligned) dimensions.
func broadcastIndex(idx, dims []int) int {
	flat := 0
	offset := len(idx) - len(dims)
	for i, d := range dims {
		pos := idx[offset+i]
		if d == 1 {
			pos = 0
		}
		flat = flat*d + pos
	}
	return flat
}

// advance increments a multi-index in row-major order.
func advance(idx, dims []int) {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < dims[i] {
			return
		}
		idx[i] = 0
	}
}
