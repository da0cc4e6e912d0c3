// Package cmd wires the neoxlm command line: pretraining, generation and
// preset inspection.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/neoxlm/neoxlm/data"
	"github.com/neoxlm/neoxlm/envconfig"
	"github.com/neoxlm/neoxlm/logutil"
	"github.com/neoxlm/neoxlm/model"
	"github.com/neoxlm/neoxlm/sample"
	"github.com/neoxlm/neoxlm/train"
	"github.com/neoxlm/neoxlm/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "neoxlm",
		Short:         "Pretrain and sample decoder-only transformer language models",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			envconfig.LoadConfig()
			level := slog.LevelInfo
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose || envconfig.Debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, level))
		},
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(
		NewTrainCmd(),
		NewGenerateCmd(),
		NewInfoCmd(),
	)
	return rootCmd
}

func NewTrainCmd() *cobra.Command {
	var (
		trainCfg  train.Config
		modelName string
		trainPath string
		valPath   string
		seed      int64
		prefetch  int
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Pretrain a model on a packed token file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := model.FromName(modelName)
			if err != nil {
				return err
			}
			m, err := model.New(cfg)
			if err != nil {
				return err
			}
			if trainCfg.Resume == "" {
				slog.Info("initializing weights", "model", modelName, "seed", seed)
				m.InitWeights(rand.NewSource(uint64(seed)), cfg.NLayer)
			}

			loader, err := data.NewFileLoader(trainPath, trainCfg.MicroBatchSize, cfg.BlockSize)
			if err != nil {
				return err
			}
			defer loader.Close()
			prefetcher := data.NewPrefetcher(cmd.Context(), loader, prefetch)
			defer prefetcher.Stop()

			var valLoader data.Loader
			if valPath != "" {
				vl, err := data.NewFileLoader(valPath, trainCfg.MicroBatchSize, cfg.BlockSize)
				if err != nil {
					return err
				}
				defer vl.Close()
				valLoader = vl
			}

			return train.Run(cmd.Context(), m, prefetcher, valLoader, trainCfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&modelName, "model", "tiny-120m", "Model preset to train")
	f.StringVar(&trainPath, "data", "", "Packed token file for training")
	f.StringVar(&valPath, "val-data", "", "Packed token file for validation")
	f.StringVar(&trainCfg.OutDir, "out", "out", "Checkpoint output directory")
	f.StringVar(&trainCfg.MetricsDB, "metrics-db", "", "Sqlite file recording per-step metrics")
	f.StringVar(&trainCfg.Resume, "resume", "", "Checkpoint to resume from")
	f.IntVar(&trainCfg.GlobalBatchSize, "global-batch", 512, "Examples per optimizer step")
	f.IntVar(&trainCfg.MicroBatchSize, "micro-batch", 8, "Examples per forward pass")
	f.IntVar(&trainCfg.MaxSteps, "max-steps", 715256, "Optimizer steps to train for")
	f.Float64Var(&trainCfg.LR, "lr", 4e-4, "Peak learning rate")
	f.Float64Var(&trainCfg.MinLR, "min-lr", 4e-5, "Learning rate floor after decay")
	f.IntVar(&trainCfg.WarmupSteps, "warmup-steps", 2000, "Linear warmup steps")
	f.Float64Var(&trainCfg.Beta1, "beta1", 0.9, "AdamW beta1")
	f.Float64Var(&trainCfg.Beta2, "beta2", 0.95, "AdamW beta2")
	f.Float64Var(&trainCfg.WeightDecay, "weight-decay", 0.1, "Decoupled weight decay")
	f.Float64Var(&trainCfg.GradClip, "grad-clip", 1.0, "Global gradient norm clip")
	f.IntVar(&trainCfg.LogInterval, "log-interval", 1, "Steps between progress lines")
	f.IntVar(&trainCfg.EvalInterval, "eval-interval", 1000, "Steps between validation passes")
	f.IntVar(&trainCfg.EvalIters, "eval-iters", 100, "Validation batches per pass")
	f.IntVar(&trainCfg.SaveInterval, "save-interval", 1000, "Steps between checkpoints")
	f.Int64Var(&seed, "seed", 3407, "Weight initialization seed")
	f.IntVar(&prefetch, "prefetch", 4, "Batches decoded ahead of the consumer")
	return cmd
}

func NewGenerateCmd() *cobra.Command {
	var (
		modelName   string
		ckptPath    string
		promptStr   string
		maxNew      int
		maxSeq      int
		temperature float64
		topK        int
		topP        float64
		seed        int64
		greedy      bool
		stopToken   int32
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample tokens from a trained checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ckpt, err := train.LoadCheckpoint(ckptPath)
			if err != nil {
				return err
			}
			cfg := ckpt.ModelConfig
			if modelName != "" {
				if cfg, err = model.FromName(modelName); err != nil {
					return err
				}
			}
			m, err := model.New(cfg)
			if err != nil {
				return err
			}
			if err := train.RestoreParams(m.Params(), ckpt.Params); err != nil {
				return err
			}

			prompt, err := parsePrompt(promptStr)
			if err != nil {
				return err
			}

			var sampler sample.Sampler
			var transforms []sample.Transform
			if greedy {
				sampler = sample.Greedy()
			} else {
				sampler = sample.Weighted(&seed)
				if temperature > 0 {
					transforms = append(transforms, sample.Temperature(temperature))
				}
				if topK > 0 {
					transforms = append(transforms, sample.TopK(topK))
				}
				if topP > 0 {
					transforms = append(transforms, sample.TopP(topP))
				}
			}

			gen := &sample.Generator{
				Model:        m,
				Sampler:      sampler,
				Transforms:   transforms,
				MaxSeqLength: maxSeq,
			}
			out, err := gen.Generate(cmd.Context(), prompt, maxNew, stopToken)
			if err != nil {
				return err
			}

			ids := make([]string, len(out))
			for i, id := range out {
				ids[i] = strconv.Itoa(int(id))
			}
			fmt.Fprintln(os.Stdout, strings.Join(ids, " "))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&ckptPath, "checkpoint", "", "Checkpoint to load")
	f.StringVar(&modelName, "model", "", "Preset overriding the checkpoint's config")
	f.StringVar(&promptStr, "prompt", "", "Comma-separated prompt token ids")
	f.IntVar(&maxNew, "max-new-tokens", 128, "Tokens to generate")
	f.IntVar(&maxSeq, "max-seq-length", 0, "Attendable history, 0 means block size")
	f.Float64Var(&temperature, "temperature", 0.8, "Sampling temperature")
	f.IntVar(&topK, "top-k", 0, "Keep only the k highest logits")
	f.Float64Var(&topP, "top-p", 0, "Nucleus sampling threshold")
	f.Int64Var(&seed, "seed", 1234, "Sampling seed")
	f.BoolVar(&greedy, "greedy", false, "Always pick the highest logit")
	f.Int32Var(&stopToken, "stop-token", -1, "Token id ending generation, -1 disables")
	_ = cmd.MarkFlagRequired("checkpoint")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func NewInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the available model presets",
		RunE: func(_ *cobra.Command, _ []string) error {
			var rows [][]string
			for _, name := range model.PresetNames() {
				c, err := model.FromName(name)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					name,
					strconv.Itoa(c.NLayer),
					strconv.Itoa(c.NHead),
					strconv.Itoa(c.NQueryGroups),
					strconv.Itoa(c.NEmbd),
					strconv.Itoa(c.BlockSize),
					strconv.Itoa(c.VocabSize),
					c.NormKind.String(),
					c.MLPKind.String(),
				})
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"NAME", "LAYERS", "HEADS", "KV GROUPS", "EMBD", "BLOCK", "VOCAB", "NORM", "MLP"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(rows)
			table.Render()
			return nil
		},
	}
}

func parsePrompt(s string) ([]int32, error) {
	parts := strings.Split(s, ",")
	ids := make([]int32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid prompt token %q: %w", p, err)
		}
		ids = append(ids, int32(id))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("prompt has no token ids")
	}
	return ids, nil
}
