package tensor

import (
	"errors"
	"math"
	"testing"
)

func TestFromDataShapeCheck(t *testing.T) {
	if _, err := FromData(make([]float32, 5), 2, 3); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	x, err := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if x.At(1, 2) != 6 {
		t.Errorf("At(1,2) = %f, want 6", x.At(1, 2))
	}
	if x.Dim(-1) != 3 {
		t.Errorf("Dim(-1) = %d, want 3", x.Dim(-1))
	}
}

func TestReshapeSharesData(t *testing.T) {
	x := New(2, 6)
	y, err := x.Reshape(3, 4)
	if err != nil {
		t.Fatal(err)
	}
	y.Set(7, 2, 3)
	if x.At(1, 5) != 7 {
		t.Errorf("reshape did not share storage")
	}
	if _, err := x.Reshape(5, 5); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestMatMulBatched(t *testing.T) {
	a := MustFromData([]float32{
		1, 2,
		3, 4,

		1, 0,
		0, 1,
	}, 2, 2, 2)
	b := MustFromData([]float32{
		5, 6,
		7, 8,

		2, 3,
		4, 5,
	}, 2, 2, 2)

	out, err := MatMulBatched(a, b, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{19, 22, 43, 50, 2, 3, 4, 5}
	for i, v := range out.Data() {
		if v != want[i] {
			t.Errorf("out[%d] = %f, want %f", i, v, want[i])
		}
	}

	outT, err := MatMulBatched(a, b, true)
	if err != nil {
		t.Fatal(err)
	}
	wantT := []float32{17, 23, 39, 53, 2, 4, 3, 5}
	for i, v := range outT.Data() {
		if v != wantT[i] {
			t.Errorf("outT[%d] = %f, want %f", i, v, wantT[i])
		}
	}
}

func TestMatMulBatchedMismatch(t *testing.T) {
	a := New(2, 3, 4)
	b := New(3, 4, 5)
	if _, err := MatMulBatched(a, b, false); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestLinear(t *testing.T) {
	x := MustFromData([]float32{1, 2, 3}, 1, 3)
	w := MustFromData([]float32{
		1, 0, 0,
		0, 1, 1,
	}, 2, 3)
	out, err := Linear(x, w)
	if err != nil {
		t.Fatal(err)
	}
	if out.At(0, 0) != 1 || out.At(0, 1) != 5 {
		t.Errorf("Linear = %v, want [1 5]", out.Data())
	}
}

func TestSoftmaxStability(t *testing.T) {
	x := make([]float32, 10)
	for i := range x {
		x[i] = float32(1000 + i)
	}
	Softmax(x)

	sum := float32(0)
	for _, v := range x {
		if v < 0 || v > 1 {
			t.Errorf("softmax value out of [0,1]: %f", v)
		}
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Errorf("softmax sum = %f, want 1", sum)
	}
}

func TestSoftmaxMaskedRow(t *testing.T) {
	negInf := float32(math.Inf(-1))
	x := []float32{0, negInf, negInf}
	Softmax(x)
	if x[0] != 1 || x[1] != 0 || x[2] != 0 {
		t.Errorf("partially masked row = %v", x)
	}

	all := []float32{negInf, negInf}
	Softmax(all)
	for i, v := range all {
		if v != 0 {
			t.Errorf("fully masked row[%d] = %f, want 0", i, v)
		}
	}
}

func TestPrecisionRound(t *testing.T) {
	v := float32(1.0009765625 + 1e-6)
	if got := Float32.Round(v); got != v {
		t.Errorf("Float32 round changed value: %v", got)
	}
	if got := Float16.Round(1.0001); got != 1 {
		t.Errorf("Float16 round of 1.0001 = %v, want 1", got)
	}
	if got := BFloat16.Round(1.001); got != 1 {
		t.Errorf("BFloat16 round of 1.001 = %v, want 1", got)
	}
	if got := BFloat16.Round(float32(math.Inf(-1))); !math.IsInf(float64(got), -1) {
		t.Errorf("BFloat16 must keep -Inf, got %v", got)
	}
}

func TestParsePrecision(t *testing.T) {
	tests := []struct {
		in   string
		want Precision
		err  bool
	}{
		{"", Float32, false},
		{"fp16", Float16, false},
		{"BF16", BFloat16, false},
		{"int8", Float32, true},
	}
	for _, tt := range tests {
		got, err := ParsePrecision(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParsePrecision(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePrecision(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDetectNaN(t *testing.T) {
	data := []float32{1, float32(math.NaN()), float32(math.Inf(1)), float32(math.NaN())}
	info := DetectNaN(data, 1)
	if info.Count != 2 || info.InfCount != 1 {
		t.Errorf("DetectNaN = %+v", info)
	}
	if len(info.Positions) != 1 || info.Positions[0] != 1 {
		t.Errorf("positions = %v, want [1]", info.Positions)
	}
	if info.IsValid() {
		t.Error("expected invalid")
	}
}
