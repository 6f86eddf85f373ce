package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Brownie44l1/dermasense-api/internal/explain"
	"github.com/spf13/cobra"
)

func newCompareCmd(opts *globalOptions) *cobra.Command {
	var (
		elapsed     string
		skipQuality bool
	)

	cmd := &cobra.Command{
		Use:   "compare <older-image> <newer-image>",
		Short: "Describe how a lesion changed between two scans",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, reg, err := loadRegistry(ctx, opts)
			if err != nil {
				return err
			}
			defer reg.Close()

			analyzer := newAnalyzer(cfg, reg, skipQuality)

			var scans [2]explain.Scan
			for i, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading image: %w", err)
				}
				report, err := analyzer.Analyze(ctx, opts.modelName, data)
				if err != nil {
					return fmt.Errorf("analyzing %q: %w", path, err)
				}
				scans[i] = explain.Scan{Image: report.OriginalJPEG, Predictions: report.Predictions}
			}

			gen, err := explain.NewGenAIGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
			if err != nil {
				return err
			}
			comparison, err := explain.NewExplainer(gen).Compare(ctx, scans[0], scans[1], elapsed)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(comparison)
		},
	}

	cmd.Flags().StringVar(&elapsed, "elapsed", "an unknown amount of time", "time between the two scans, e.g. \"3 weeks\"")
	cmd.Flags().BoolVar(&skipQuality, "skip-quality-check", false, "accept blurry photos")
	return cmd
}
