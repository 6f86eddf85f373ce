package main

import (
	"fmt"
	"os"

	"github.com/Brownie44l1/dermasense-api/internal/analysis"
	"github.com/Brownie44l1/dermasense-api/internal/gradcam"
	"github.com/Brownie44l1/dermasense-api/internal/overlay"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newHeatmapCmd(opts *globalOptions) *cobra.Command {
	var (
		out       string
		layerName string
		class     int
		alpha     float64
	)

	cmd := &cobra.Command{
		Use:   "heatmap <image>",
		Short: "Write the Grad-CAM overlay for one class of a photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := klog.FromContext(ctx)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			img, _, err := analysis.DecodeImage(data)
			if err != nil {
				return err
			}

			_, reg, err := loadRegistry(ctx, opts)
			if err != nil {
				return err
			}
			defer reg.Close()

			entry, err := reg.Get(opts.modelName)
			if err != nil {
				return err
			}

			input, err := analysis.Preprocess(img, entry.ImageWidth, entry.ImageHeight, entry.Preprocessing)
			if err != nil {
				return err
			}

			var genOpts []gradcam.Option
			if cmd.Flags().Changed("class") {
				genOpts = append(genOpts, gradcam.WithClass(class))
			}

			var result *gradcam.Result
			if layerName != "" {
				result, err = gradcam.GenerateForLayer(entry.Network, input, layerName, genOpts...)
			} else {
				result, err = gradcam.Generate(entry.Network, input, entry.Layer, genOpts...)
			}
			if err != nil {
				return err
			}

			blended, err := overlay.Apply(img, result.Heatmap, alpha)
			if err != nil {
				return err
			}
			if err := writeImage(out, blended); err != nil {
				return err
			}

			classes := entry.Network.Classes()
			log.Info("wrote heatmap", "path", out, "class", classes[result.ClassIndex], "score", result.Scores[result.ClassIndex])
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%.2f%%)\n", out, classes[result.ClassIndex], result.Scores[result.ClassIndex]*100)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "heatmap.png", "output image (.png or .jpg)")
	cmd.Flags().StringVar(&layerName, "layer", "", "explain this layer instead of the configured one")
	cmd.Flags().IntVar(&class, "class", 0, "class index to explain (default: top prediction)")
	cmd.Flags().Float64Var(&alpha, "alpha", overlay.DefaultAlpha, "heatmap opacity in [0, 1]")
	return cmd
}
