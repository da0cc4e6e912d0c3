package train

import "math"

// CosineSchedule produces the learning rate for a given iteration: linear
// warmup to LR, cosine decay to MinLR over DecayIters, constant MinLR after.
type CosineSchedule struct {
	LR          float64
	MinLR       float64
	WarmupIters int
	DecayIters  int
}

func (s CosineSchedule) At(iter int) float64 {
	if iter < s.WarmupIters {
		return s.LR * float64(iter) / float64(s.WarmupIters)
	}
	if iter > s.DecayIters {
		return s.MinLR
	}
	ratio := float64(iter-s.WarmupIters) / float64(s.DecayIters-s.WarmupIters)
	coeff := 0.5 * (1 + math.Cos(math.Pi*ratio))
	return s.MinLR + coeff*(s.LR-s.MinLR)
}
