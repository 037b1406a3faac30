package training

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/tensor"
)

// RegressionMetrics holds per-pixel error metrics of a prediction.
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
}

// CalculateRegressionMetrics compares every element of predicted with the
// matching element of target.
func CalculateRegressionMetrics(predicted, target *tensor.Tensor) (RegressionMetrics, error) {
	if !tensor.SameShape(predicted, target) {
		return RegressionMetrics{}, errors.Wrapf(tensor.ErrShapeMismatch, "metrics: %v vs %v", predicted.Shape, target.Shape)
	}
	n := len(target.Data)
	if n == 0 {
		return RegressionMetrics{}, nil
	}

	var meanTrue float64
	for _, v := range target.Data {
		meanTrue += float64(v)
	}
	meanTrue /= float64(n)

	var sumAbsErr, sumSqErr, sumSqTotal float64
	for i, v := range target.Data {
		diff := float64(predicted.Data[i]) - float64(v)
		sumAbsErr += math.Abs(diff)
		sumSqErr += diff * diff
		sumSqTotal += (float64(v) - meanTrue) * (float64(v) - meanTrue)
	}

	m := RegressionMetrics{
		MAE: sumAbsErr / float64(n),
		MSE: sumSqErr / float64(n),
	}
	m.RMSE = math.Sqrt(m.MSE)
	if sumSqTotal > 0 {
		m.R2 = 1 - sumSqErr/sumSqTotal
	}
	return m, nil
}

// metricsAccumulator averages batch metrics over an evaluation pass.
type metricsAccumulator struct {
	mae, rmse, r2 stats.Float64Data
}

func (a *metricsAccumulator) add(m RegressionMetrics) {
	a.mae = append(a.mae, m.MAE)
	a.rmse = append(a.rmse, m.RMSE)
	a.r2 = append(a.r2, m.R2)
}

// mean returns the average of every metric, or zeros before the first batch.
// MSE is derived from the mean RMSE.
func (a *metricsAccumulator) mean() RegressionMetrics {
	if len(a.mae) == 0 {
		return RegressionMetrics{}
	}
	mae, _ := a.mae.Mean()
	rmse, _ := a.rmse.Mean()
	r2, _ := a.r2.Mean()
	return RegressionMetrics{MAE: mae, MSE: rmse * rmse, RMSE: rmse, R2: r2}
}
