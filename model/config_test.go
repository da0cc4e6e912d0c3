package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQKVWidth(t *testing.T) {
	for _, name := range PresetNames() {
		t.Run(name, func(t *testing.T) {
			c := mustPreset(t, name)
			require.NoError(t, c.Validate())
			require.Equal(t, (c.NHead+2*c.NQueryGroups)*c.HeadSize, c.QKVSize())
			require.Zero(t, c.NHead%c.NQueryGroups)

			attn := newCausalSelfAttention(&c)
			require.Equal(t, c.QKVSize(), attn.Attn.Weight.Dim(1))
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"heads not divisible by groups", func(c *Config) { c.NQueryGroups = 5 }, "n_query_groups"},
		{"zero layers", func(c *Config) { c.NLayer = 0 }, "layer"},
		{"sequential shared norm", func(c *Config) {
			c.ParallelResidual = false
			c.SharedAttentionNorm = true
		}, "shared attention norm"},
		{"bad mask mode", func(c *Config) { c.IntradocMask = "weird" }, "mask mode"},
		{"rerope indivisible block", func(c *Config) {
			c.IntradocMask = MaskFix1ReRope
			c.BlockSize = 1500
		}, "1024"},
		{"zero window", func(c *Config) { c.WindowSize = 0 }, "window"},
		{"negative rope base", func(c *Config) { c.RopeBase = -1 }, "rope base"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := mustPreset(t, "tiny-1b")
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestFromNameUnknown(t *testing.T) {
	_, err := FromName("nope")
	require.ErrorContains(t, err, "unknown config")
}

func TestPresetNamesSorted(t *testing.T) {
	names := PresetNames()
	require.Equal(t, []string{"neox-160m", "tiny-120m", "tiny-1b"}, names)
}
