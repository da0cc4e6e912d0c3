// Package train drives pretraining: gradient-accumulated AdamW with cosine
// learning-rate scheduling, periodic validation, checkpointing and metrics
// recording. One process trains one replica; multi-replica gradient
// synchronization is an outer-layer concern.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/neoxlm/neoxlm/data"
	"github.com/neoxlm/neoxlm/format"
	"github.com/neoxlm/neoxlm/model"
)

type Config struct {
	OutDir    string
	MetricsDB string

	GlobalBatchSize int
	MicroBatchSize  int
	MaxSteps        int

	LR          float64
	MinLR       float64
	WarmupSteps int
	Beta1       float64
	Beta2       float64
	WeightDecay float64
	GradClip    float64

	LogInterval  int
	EvalInterval int
	EvalIters    int
	SaveInterval int

	// RopeRebase maps an optimizer step to a new rotary frequency base,
	// applied once when that step completes.
	RopeRebase map[int]int

	// Resume points at a checkpoint to restore before training.
	Resume string
}

func (c *Config) accumSteps() (int, error) {
	if c.MicroBatchSize <= 0 || c.GlobalBatchSize <= 0 {
		return 0, fmt.Errorf("train: batch sizes must be positive, got global %d micro %d", c.GlobalBatchSize, c.MicroBatchSize)
	}
	if c.GlobalBatchSize%c.MicroBatchSize != 0 {
		return 0, fmt.Errorf("train: global batch %d is not a multiple of micro batch %d", c.GlobalBatchSize, c.MicroBatchSize)
	}
	return c.GlobalBatchSize / c.MicroBatchSize, nil
}

// Run trains m until MaxSteps optimizer steps or the training data is
// exhausted.
func Run(ctx context.Context, m *model.GPT, trainData, valData data.Loader, cfg Config) error {
	accum, err := cfg.accumSteps()
	if err != nil {
		return err
	}

	params := m.Params()
	opt := NewAdamW(params, cfg.Beta1, cfg.Beta2, cfg.WeightDecay)
	sched := CosineSchedule{LR: cfg.LR, MinLR: cfg.MinLR, WarmupIters: cfg.WarmupSteps, DecayIters: cfg.MaxSteps}

	iterNum, stepCount := 0, 0
	runID := uuid.New().String()
	if cfg.Resume != "" {
		ckpt, err := LoadCheckpoint(cfg.Resume)
		if err != nil {
			return err
		}
		if err := RestoreParams(params, ckpt.Params); err != nil {
			return err
		}
		if err := opt.LoadState(ckpt.OptM, ckpt.OptV, ckpt.OptStep); err != nil {
			return err
		}
		iterNum, stepCount = ckpt.IterNum, ckpt.StepCount
		if ckpt.RunID != "" {
			runID = ckpt.RunID
		}
		slog.Info("resumed from checkpoint", "path", cfg.Resume, "run", runID, "iter", iterNum, "step", stepCount)
	}
	var metrics *MetricsRecorder
	if cfg.MetricsDB != "" {
		metrics, err = NewMetricsRecorder(cfg.MetricsDB, runID)
		if err != nil {
			return err
		}
		defer metrics.Close()
	}

	blockSize := m.Config.BlockSize
	tokensPerStep := int64(cfg.GlobalBatchSize) * int64(blockSize)
	slog.Info("starting training",
		"run", runID,
		"parameters", format.HumanNumber(m.NumParameters()),
		"steps", cfg.MaxSteps,
		"tokens/step", format.HumanNumber(uint64(tokensPerStep)))

	start := time.Now()
	startStep := stepCount
	for stepCount < cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			return err
		}
		lr := sched.At(stepCount + 1)

		var stepLoss float64
		exhausted := false
		for micro := 0; micro < accum; micro++ {
			batch, err := trainData.Next(ctx)
			if errors.Is(err, io.EOF) {
				exhausted = true
				break
			} else if err != nil {
				return err
			}
			tape, logits, err := m.ForwardTrain(batch.Inputs(), model.ForwardOptions{
				FragmentLens: batch.FragmentLens,
				FragmentNums: batch.FragmentNums,
			})
			if err != nil {
				return err
			}
			loss, dLogits := CrossEntropy(logits, batch.Targets(), 1/float64(accum))
			m.Backward(tape, dLogits)
			stepLoss += loss / float64(accum)
			iterNum++
		}
		if exhausted {
			slog.Info("training data exhausted", "iter", iterNum, "step", stepCount)
			break
		}

		gradNorm := ClipGradNorm(params, cfg.GradClip)
		opt.Step(lr)
		opt.ZeroGrad()
		stepCount++

		if base, ok := cfg.RopeRebase[stepCount]; ok {
			m.ResetRopeCache(base)
		}

		if metrics != nil {
			if err := metrics.Record(iterNum, stepCount, stepLoss, lr, gradNorm, int64(stepCount)*tokensPerStep); err != nil {
				return err
			}
		}
		if cfg.LogInterval > 0 && stepCount%cfg.LogInterval == 0 {
			elapsed := time.Since(start)
			perStep := elapsed / time.Duration(stepCount-startStep)
			remaining := perStep * time.Duration(cfg.MaxSteps-stepCount)
			slog.Info("step", "iter", iterNum, "step", stepCount,
				"loss", fmt.Sprintf("%.4f", stepLoss),
				"lr", fmt.Sprintf("%.3e", lr),
				"grad_norm", fmt.Sprintf("%.3f", gradNorm),
				"remaining", format.HumanDuration(remaining))
		}
		if valData != nil && cfg.EvalInterval > 0 && stepCount%cfg.EvalInterval == 0 {
			valLoss, err := Validate(ctx, m, valData, cfg.EvalIters)
			if err != nil {
				return err
			}
			slog.Info("validation", "step", stepCount, "loss", fmt.Sprintf("%.4f", valLoss))
		}
		if cfg.SaveInterval > 0 && stepCount%cfg.SaveInterval == 0 {
			opM, opV, opStep := opt.State()
			path, err := SaveCheckpoint(cfg.OutDir, &Checkpoint{
				RunID:       runID,
				ModelConfig: m.Config,
				Params:      SnapshotParams(params),
				OptM:        opM,
				OptV:        opV,
				OptStep:     opStep,
				IterNum:     iterNum,
				StepCount:   stepCount,
			})
			if err != nil {
				return err
			}
			if fi, err := os.Stat(path); err == nil {
				slog.Info("saved checkpoint", "path", path, "size", format.HumanBytes(fi.Size()))
			} else {
				slog.Info("saved checkpoint", "path", path)
			}
		}
	}
	slog.Info("training finished", "iter", iterNum, "step", stepCount, "elapsed", format.HumanDuration(time.Since(start)))
	return nil
}

// Validate averages evaluation loss over up to evalIters batches. It runs
// the inference forward path: no activation tape, no document-segmented
// masking.
func Validate(ctx context.Context, m *model.GPT, valData data.Loader, evalIters int) (float64, error) {
	var total float64
	n := 0
	for ; n < evalIters; n++ {
		batch, err := valData.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return 0, err
		}
		logits, err := m.Forward(batch.Inputs(), model.ForwardOptions{})
		if err != nil {
			return 0, err
		}
		loss, _ := CrossEntropy(logits, batch.Targets(), 1)
		total += loss
	}
	if n == 0 {
		return 0, fmt.Errorf("train: no validation batches available")
	}
	return total / float64(n), nil
}
