// Package registry holds the classifiers loaded at startup. Entries are
// read-only after construction and shared by every analysis.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/Brownie44l1/dermasense-api/internal/artifacts"
	"github.com/Brownie44l1/dermasense-api/internal/config"
	"github.com/Brownie44l1/dermasense-api/internal/model"
	"github.com/Brownie44l1/dermasense-api/internal/network"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var ErrUnknownModel = errors.New("unknown model")

// Entry is a classifier together with the layer chosen to explain it.
type Entry struct {
	Name          string
	Mode          string
	Network       model.Network
	Layer         model.Layer
	Preprocessing model.Preprocessing
	ImageWidth    int
	ImageHeight   int
}

// NewEntry validates the explanation layer once. An empty layerName picks
// the last convolutional layer of net.
func NewEntry(name, mode string, net model.Network, layerName string, preprocessing model.Preprocessing) (*Entry, error) {
	var (
		layer model.Layer
		err   error
	)
	if layerName == "" {
		layer, err = model.LastConvLayer(net)
	} else {
		layer, err = model.LookupLayer(net, layerName)
	}
	if err != nil {
		return nil, err
	}

	height, width, channels := net.InputShape()
	if channels != 3 {
		return nil, &model.ConfigurationError{Model: net.Name(), Reason: fmt.Sprintf("expected 3 input channels, got %d", channels)}
	}

	return &Entry{
		Name:          name,
		Mode:          mode,
		Network:       net,
		Layer:         layer,
		Preprocessing: preprocessing,
		ImageWidth:    width,
		ImageHeight:   height,
	}, nil
}

// Registry maps model names to entries.
type Registry struct {
	entries map[string]*Entry
}

func New(entries ...*Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		if _, ok := r.entries[e.Name]; ok {
			return nil, fmt.Errorf("model %q registered twice", e.Name)
		}
		r.entries[e.Name] = e
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownModel, name, r.Names())
	}
	return e, nil
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every network that holds native resources.
func (r *Registry) Close() error {
	var errs []error
	for _, e := range r.entries {
		if c, ok := e.Network.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing model %q: %w", e.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Load resolves the artifacts of every configured model and loads them
// concurrently. Any failure closes the models loaded so far.
func Load(ctx context.Context, cfg *config.Config, cache *artifacts.Cache) (*Registry, error) {
	log := klog.FromContext(ctx)

	var (
		mu      sync.Mutex
		entries []*Entry
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, mc := range cfg.Models {
		g.Go(func() error {
			entry, err := loadEntry(gctx, cfg, mc, cache)
			if err != nil {
				return fmt.Errorf("loading model %q: %w", mc.Name, err)
			}
			log.Info("loaded model", "name", entry.Name, "backend", mc.Backend, "layer", entry.Layer.Name,
				"heatmap", fmt.Sprintf("%dx%d", entry.Layer.Height, entry.Layer.Width), "classes", entry.Network.Classes())

			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		var r *Registry
		r, err = New(entries...)
		if err == nil {
			return r, nil
		}
	}

	for _, e := range entries {
		if c, ok := e.Network.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				log.Error(cerr, "closing model after failed load", "name", e.Name)
			}
		}
	}
	return nil, err
}

func loadEntry(ctx context.Context, cfg *config.Config, mc config.ModelConfig, cache *artifacts.Cache) (*Entry, error) {
	weights, err := cache.Resolve(ctx, mc.Weights)
	if err != nil {
		return nil, err
	}

	var net model.Network
	switch mc.Backend {
	case config.BackendNative:
		net, err = network.Load(weights)
		if err != nil {
			return nil, err
		}
	case config.BackendONNX:
		metadata, err := cache.Resolve(ctx, mc.Metadata)
		if err != nil {
			return nil, err
		}
		net, err = model.NewONNXNetwork(weights, metadata, cfg.ONNXRuntimeLibrary)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", mc.Backend)
	}

	entry, err := NewEntry(mc.Name, mc.Mode, net, mc.Layer, mc.Preprocessing)
	if err != nil {
		if c, ok := net.(io.Closer); ok {
			c.Close()
		}
		return nil, err
	}

	if mc.ImageSize > 0 && (mc.ImageSize != entry.ImageWidth || mc.ImageSize != entry.ImageHeight) {
		klog.FromContext(ctx).Info("configured image size differs from model input, using model input",
			"name", mc.Name, "configured", mc.ImageSize, "width", entry.ImageWidth, "height", entry.ImageHeight)
	}
	return entry, nil
}
