package train

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/neoxlm/neoxlm/ml"
	"github.com/neoxlm/neoxlm/model"
)

func TestCheckpointName(t *testing.T) {
	require.Equal(t, "iter-000042-ckpt-step-7.bin", CheckpointName(42, 7))
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := model.FromName("tiny-120m")
	require.NoError(t, err)

	want := &Checkpoint{
		ModelConfig: cfg,
		Params:      [][]float32{{1, 2, 3}, {4}},
		OptM:        [][]float32{{0.1, 0.2, 0.3}, {0.4}},
		OptV:        [][]float32{{0.5, 0.6, 0.7}, {0.8}},
		OptStep:     9,
		IterNum:     1024,
		StepCount:   16,
	}
	path, err := SaveCheckpoint(dir, want)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "iter-001024-ckpt-step-16.bin"), path)

	got, err := LoadCheckpoint(path)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestLoadCheckpointMissing(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.bin"))
	require.Error(t, err)
}

func TestSnapshotRestoreParams(t *testing.T) {
	p := ml.FromSlice([]float32{1, 2}, 2)
	saved := SnapshotParams([]*ml.Tensor{p})

	p.Data[0] = 99
	require.NoError(t, RestoreParams([]*ml.Tensor{p}, saved))
	require.Equal(t, float32(1), p.Data[0])

	require.Error(t, RestoreParams([]*ml.Tensor{p}, nil))
	require.Error(t, RestoreParams([]*ml.Tensor{p}, [][]float32{{1}}))
}
