package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordBasis(t *testing.T) {
	before := testutil.ToFloat64(BasisComputations.WithLabelValues("yarn"))
	RecordBasis("yarn", 1.25)
	if got := testutil.ToFloat64(BasisComputations.WithLabelValues("yarn")); got != before+1 {
		t.Errorf("yarn computations = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(AttentionScaling.WithLabelValues("yarn")); got != 1.25 {
		t.Errorf("yarn scaling gauge = %v, want 1.25", got)
	}
}

func TestRecordBasisRecompute(t *testing.T) {
	before := testutil.ToFloat64(BasisRecomputations)
	RecordBasisRecompute(8192)
	if got := testutil.ToFloat64(BasisRecomputations); got != before+1 {
		t.Errorf("recomputations = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(BasisSeqLen); got != 8192 {
		t.Errorf("seq len gauge = %v, want 8192", got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	nan := NumericalInstability.WithLabelValues("scores", "nan")
	inf := NumericalInstability.WithLabelValues("scores", "inf")
	nanBefore, infBefore := testutil.ToFloat64(nan), testutil.ToFloat64(inf)

	RecordNumericalInstability("scores", 5, 0)
	RecordNumericalInstability("scores", 0, 3)

	if got := testutil.ToFloat64(nan); got != nanBefore+5 {
		t.Errorf("nan count = %v, want %v", got, nanBefore+5)
	}
	if got := testutil.ToFloat64(inf); got != infBefore+3 {
		t.Errorf("inf count = %v, want %v", got, infBefore+3)
	}
}

func TestRecordTraceExport(t *testing.T) {
	ok := TraceExports.WithLabelValues("weights", "ok")
	bad := TraceExports.WithLabelValues("weights", "error")
	okBefore, badBefore := testutil.ToFloat64(ok), testutil.ToFloat64(bad)

	RecordTraceExport("weights", nil)
	RecordTraceExport("weights", errors.New("unavailable"))

	if testutil.ToFloat64(ok) != okBefore+1 || testutil.ToFloat64(bad) != badBefore+1 {
		t.Error("trace export outcomes not counted")
	}
}

func TestRecordersDoNotPanic(t *testing.T) {
	RecordEncode(2 * time.Millisecond)
	RecordAttentionStage("scores", 5*time.Millisecond)
	RecordValidationError("rope", "missing_parameter")
	RecordContextLength(0)
	RecordContextLength(4096)
}
