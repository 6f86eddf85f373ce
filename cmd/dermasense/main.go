package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Brownie44l1/dermasense-api/internal/analysis"
	"github.com/Brownie44l1/dermasense-api/internal/artifacts"
	"github.com/Brownie44l1/dermasense-api/internal/config"
	"github.com/Brownie44l1/dermasense-api/internal/registry"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	defer klog.Flush()

	root := newRootCmd()
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	return root.ExecuteContext(ctx)
}

type globalOptions struct {
	configPath string
	modelName  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "dermasense",
		Short: "Skin lesion classification with Grad-CAM explanations",
		Long: `dermasense classifies a skin lesion photo with a pre-trained model,
overlays a Grad-CAM heatmap showing where the model looked, and can ask
Gemini to phrase the result in plain language.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "dermasense.yaml", "path to the YAML configuration")
	root.PersistentFlags().StringVarP(&opts.modelName, "model", "m", config.ModeConsumer, "model to run")

	root.AddCommand(
		newAnalyzeCmd(opts),
		newHeatmapCmd(opts),
		newLayersCmd(opts),
		newCompareCmd(opts),
	)
	return root
}

// loadRegistry reads the configuration and loads every configured model.
// The caller owns the returned registry.
func loadRegistry(ctx context.Context, opts *globalOptions) (*config.Config, *registry.Registry, error) {
	log := klog.FromContext(ctx)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	log.Info("loading models", "config", opts.configPath, "count", len(cfg.Models))
	reg, err := registry.Load(ctx, cfg, artifacts.NewCache(cfg.CacheDir))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize models: %w", err)
	}
	return cfg, reg, nil
}

func newAnalyzer(cfg *config.Config, reg *registry.Registry, skipQuality bool) *analysis.Analyzer {
	return analysis.NewAnalyzer(reg, analysis.Options{
		OverlayAlpha:     cfg.Analysis.OverlayAlpha,
		BlurThreshold:    cfg.Analysis.BlurThreshold,
		TopK:             cfg.Analysis.TopK,
		JPEGQuality:      cfg.Analysis.JPEGQuality,
		SkipQualityCheck: skipQuality,
	})
}
