package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neoxlm/neoxlm/ml"
	"github.com/neoxlm/neoxlm/model"
)

// Checkpoint is the full resumable training state: weights, optimizer
// moments, the hyperparameter snapshot they were produced under, and the
// loop counters.
type Checkpoint struct {
	RunID       string
	ModelConfig model.Config
	Params      [][]float32
	OptM        [][]float32
	OptV        [][]float32
	OptStep     int
	IterNum     int
	StepCount   int
}

// CheckpointName returns the canonical file name for a checkpoint taken at
// the given iteration and optimizer step.
func CheckpointName(iterNum, stepCount int) string {
	return fmt.Sprintf("iter-%06d-ckpt-step-%d.bin", iterNum, stepCount)
}

// SaveCheckpoint gob-encodes the state to dir/name atomically, writing a
// temp file and renaming over.
func SaveCheckpoint(dir string, ckpt *Checkpoint) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("train: creating checkpoint dir: %w", err)
	}
	path := filepath.Join(dir, CheckpointName(ckpt.IterNum, ckpt.StepCount))
	tmp, err := os.CreateTemp(dir, "ckpt-*.tmp")
	if err != nil {
		return "", fmt.Errorf("train: creating checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(ckpt); err != nil {
		tmp.Close()
		return "", fmt.Errorf("train: encoding checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("train: closing checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("train: renaming checkpoint: %w", err)
	}
	return path, nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("train: opening checkpoint: %w", err)
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("train: decoding checkpoint %s: %w", path, err)
	}
	return &ckpt, nil
}

// SnapshotParams copies parameter data for checkpointing.
func SnapshotParams(params []*ml.Tensor) [][]float32 {
	out := make([][]float32, len(params))
	for i, p := range params {
		out[i] = append([]float32(nil), p.Data...)
	}
	return out
}

// RestoreParams copies checkpointed data back into live parameters.
func RestoreParams(params []*ml.Tensor, saved [][]float32) error {
	if len(saved) != len(params) {
		return fmt.Errorf("train: checkpoint has %d parameter tensors, model has %d", len(saved), len(params))
	}
	for i, p := range params {
		if len(saved[i]) != len(p.Data) {
			return fmt.Errorf("train: parameter tensor %d has %d elements, model expects %d", i, len(saved[i]), len(p.Data))
		}
		copy(p.Data, saved[i])
	}
	return nil
}
