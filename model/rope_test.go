package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/neoxlm/neoxlm/ml"
)

func TestBuildRopeTable(t *testing.T) {
	// base=10000, nElem=4: theta = [1.0, 0.01], so position 1 rotates the
	// first frequency pair by 1 radian and the second by 0.01
	table := BuildRopeTable(2, 4, ml.DTypeF32, 10000, 1)

	require.Equal(t, []int{2, 2}, table.Cos.Shape)
	require.Equal(t, []int{2, 2}, table.Sin.Shape)

	wantCos := []float32{1, 1, 0.5403023, 0.99995}
	wantSin := []float32{0, 0, 0.8414710, 0.0099998}
	if diff := cmp.Diff(wantCos, table.Cos.Data, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("cos (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantSin, table.Sin.Data, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("sin (-want +got):\n%s", diff)
	}
}

func TestRopeTableZeroPosition(t *testing.T) {
	for _, dtype := range []ml.DType{ml.DTypeF32, ml.DTypeF16, ml.DTypeBF16} {
		table := BuildRopeTable(8, 16, dtype, 10000, 1)
		for i := 0; i < table.Cos.Shape[1]; i++ {
			require.Equal(t, float32(1), table.Cos.At(0, i), "%s cos(0) column %d", dtype, i)
			require.Equal(t, float32(0), table.Sin.At(0, i), "%s sin(0) column %d", dtype, i)
		}
	}
}

func TestRopeTableCondense(t *testing.T) {
	plain := BuildRopeTable(8, 4, ml.DTypeF32, 10000, 1)
	condensed := BuildRopeTable(8, 4, ml.DTypeF32, 10000, 2)

	// condense ratio 2 halves the effective position: row 4 of the
	// condensed table matches row 2 of the plain one
	if diff := cmp.Diff(plain.Cos.Data[2*2:3*2], condensed.Cos.Data[4*2:5*2], cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("condensed cos (-want +got):\n%s", diff)
	}
}

func TestRopeTableTiling(t *testing.T) {
	canonical := BuildRopeTable(4, 8, ml.DTypeBF16, 10000, 1)
	tiled := canonical.tile(3)

	require.Equal(t, []int{12, 4}, tiled.Cos.Shape)
	for i := 0; i < 12; i++ {
		for j := 0; j < 4; j++ {
			require.Equal(t, canonical.Cos.At(i%4, j), tiled.Cos.At(i, j), "cos[%d,%d]", i, j)
			require.Equal(t, canonical.Sin.At(i%4, j), tiled.Sin.At(i, j), "sin[%d,%d]", i, j)
		}
	}
}

func TestBuildRopeCacheReRope(t *testing.T) {
	c := mustPreset(t, "tiny-120m")
	c.BlockSize = 4096
	c.IntradocMask = MaskFix1ReRope

	table := buildRopeCache(&c)
	require.Equal(t, 4096, table.Cos.Shape[0])
	// rows repeat with period 1024
	for j := 0; j < table.Cos.Shape[1]; j += 7 {
		require.Equal(t, table.Cos.At(100, j), table.Cos.At(1024+100, j))
	}
}

func TestApplyRopeRoundTrip(t *testing.T) {
	table := BuildRopeTable(16, 8, ml.DTypeF32, 10000, 1)
	x := ml.FromSlice([]float32{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
		-1, 0.5, 2, -3, 0, 1, 4, -2, 6, 7,
	}, 2, 10)
	positions := []int32{3, 11}

	rotated := applyRope(x, table, positions)
	// rotation preserves the norm of each pair and leaves dims past nElem
	require.Equal(t, x.At(0, 8), rotated.At(0, 8))
	require.Equal(t, x.At(1, 9), rotated.At(1, 9))
	require.NotEqual(t, x.At(0, 0), rotated.At(0, 0))

	back := applyRopeGrad(rotated, table, positions)
	if diff := cmp.Diff(x.Data, back.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("inverse rotation (-want +got):\n%s", diff)
	}
}

func TestApplyRopePositionZeroIsIdentity(t *testing.T) {
	table := BuildRopeTable(4, 4, ml.DTypeF32, 10000, 1)
	x := ml.FromSlice([]float32{1, 2, 3, 4}, 1, 4)
	got := applyRope(x, table, []int32{0})
	require.Equal(t, x.Data, got.Data)
}

func mustPreset(t *testing.T, name string) Config {
	t.Helper()
	c, err := FromName(name)
	require.NoError(t, err)
	return c
}
