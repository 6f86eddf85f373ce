package main

import (
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/dermasense-api/internal/analysis"
	"github.com/Brownie44l1/dermasense-api/internal/explain"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newAnalyzeCmd(opts *globalOptions) *cobra.Command {
	var (
		overlayPath string
		withExplain bool
		skipQuality bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Classify a photo and explain the top prediction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := klog.FromContext(ctx)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}

			cfg, reg, err := loadRegistry(ctx, opts)
			if err != nil {
				return err
			}
			defer reg.Close()

			report, err := newAnalyzer(cfg, reg, skipQuality).Analyze(ctx, opts.modelName, data)
			if err != nil {
				return err
			}
			log.Info("analysis complete", "id", report.ID, "top", report.Predictions[0].Label, "risk", report.RiskLevel)

			output := struct {
				*analysis.Report
				Explanation *explain.Explanation `json:"explanation,omitempty"`
			}{Report: report}

			if withExplain {
				gen, err := explain.NewGenAIGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
				if err != nil {
					return err
				}
				output.Explanation, err = explain.NewExplainer(gen).Explain(ctx, report.Mode, report.OriginalJPEG, report.Predictions)
				if err != nil {
					return err
				}
			}

			if overlayPath != "" {
				if err := writeImage(overlayPath, report.Overlay); err != nil {
					return err
				}
				log.Info("wrote overlay", "path", overlayPath)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(output)
		},
	}

	cmd.Flags().StringVarP(&overlayPath, "overlay", "o", "", "write the heatmap overlay to this .png or .jpg file")
	cmd.Flags().BoolVar(&withExplain, "explain", false, "ask Gemini for a plain-language explanation")
	cmd.Flags().BoolVar(&skipQuality, "skip-quality-check", false, "accept blurry photos")
	return cmd
}

func writeImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %q: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		return fmt.Errorf("encoding %q: %w", path, err)
	}
	return f.Close()
}
