package training

import (
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/tensor"
)

func TestCalculateRegressionMetrics(t *testing.T) {
	target := tensor.MustNew([]int{4}, []float32{1, 2, 3, 4})
	tests := []struct {
		name string
		pred []float32
		want RegressionMetrics
	}{
		{"perfect", []float32{1, 2, 3, 4}, RegressionMetrics{R2: 1}},
		{"offset", []float32{2, 3, 4, 5}, RegressionMetrics{MAE: 1, MSE: 1, RMSE: 1, R2: 0.2}},
		{"mean", []float32{2.5, 2.5, 2.5, 2.5}, RegressionMetrics{MAE: 1, MSE: 1.25, RMSE: math.Sqrt(1.25), R2: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateRegressionMetrics(tensor.MustNew([]int{4}, tt.pred), target)
			if err != nil {
				t.Fatal(err)
			}
			for _, c := range []struct {
				field     string
				got, want float64
			}{
				{"MAE", got.MAE, tt.want.MAE},
				{"MSE", got.MSE, tt.want.MSE},
				{"RMSE", got.RMSE, tt.want.RMSE},
				{"R2", got.R2, tt.want.R2},
			} {
				if math.Abs(c.got-c.want) > 1e-9 {
					t.Errorf("%s = %v, want %v", c.field, c.got, c.want)
				}
			}
		})
	}

	if _, err := CalculateRegressionMetrics(target, tensor.MustNew([]int{2, 2}, make([]float32, 4))); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestMetricsAccumulator(t *testing.T) {
	var acc metricsAccumulator
	if acc.mean() != (RegressionMetrics{}) {
		t.Error("empty accumulator should report zeros")
	}
	acc.add(RegressionMetrics{MAE: 1, RMSE: 1, R2: 0.5})
	acc.add(RegressionMetrics{MAE: 3, RMSE: 3, R2: 0.7})
	m := acc.mean()
	if m.MAE != 2 || m.RMSE != 2 || m.MSE != 4 || math.Abs(m.R2-0.6) > 1e-12 {
		t.Errorf("mean = %+v", m)
	}
}
