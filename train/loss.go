package train

import (
	"math"

	"github.com/neoxlm/neoxlm/ml"
)

// CrossEntropy computes the mean negative log-likelihood of targets under
// logits [B, T, V] and the matching logits gradient for backprop. gradScale
// scales the gradient, used to average across accumulation steps.
func CrossEntropy(logits *ml.Tensor, targets [][]int32, gradScale float64) (float64, *ml.Tensor) {
	b, t, v := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	flat := logits.Reshape(b*t, v)
	dLogits := ml.New(b*t, v)

	var total float64
	for i := 0; i < b; i++ {
		for j := 0; j < t; j++ {
			row := flat.Data[(i*t+j)*v : (i*t+j+1)*v]
			drow := dLogits.Data[(i*t+j)*v : (i*t+j+1)*v]
			target := int(targets[i][j])

			// log-sum-exp with max subtraction for stability
			maxv := row[0]
			for _, x := range row[1:] {
				if x > maxv {
					maxv = x
				}
			}
			var sum float64
			for _, x := range row {
				sum += math.Exp(float64(x - maxv))
			}
			logSum := math.Log(sum) + float64(maxv)
			total += logSum - float64(row[target])

			inv := gradScale / float64(b*t)
			for k, x := range row {
				p := math.Exp(float64(x-maxv)) / sum
				drow[k] = float32(p * inv)
			}
			drow[target] -= float32(inv)
		}
	}
	return total / float64(b*t), dLogits.Reshape(b, t, v)
}
