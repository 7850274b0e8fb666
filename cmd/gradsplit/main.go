// Package main provides the gradsplit CLI: it derives training graphs from
// an inference ONNX model.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/gradgraph/recompute"
	"github.com/born-ml/gradgraph/train"
)

// fileConfig is the YAML trainability configuration.
type fileConfig struct {
	InitializersToTrain        []string  `yaml:"initializers_to_train"`
	InputsRequireGrad          []string  `yaml:"inputs_require_grad"`
	UseInvertibleLayerNormGrad bool      `yaml:"use_invertible_layernorm_grad"`
	InputShapes                [][]int64 `yaml:"input_shapes"`
}

func main() {
	modelPath := flag.String("model", "", "path to the input ONNX model")
	configPath := flag.String("config", "", "path to the YAML trainability config")
	mode := flag.String("mode", "split", "build mode: split, merged or recompute")
	outDir := flag.String("out", ".", "directory for emitted models")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if err := run(*modelPath, *configPath, *mode, *outDir, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "gradsplit:", err)
		os.Exit(1)
	}
}

func run(modelPath, configPath, mode, outDir string, verbose bool) error {
	if modelPath == "" {
		return fmt.Errorf("missing -model")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	modelBytes, err := os.ReadFile(modelPath)
	if err != nil {
		return err
	}

	var cfg fileConfig
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	base := strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))

	switch mode {
	case "recompute":
		rewritten, err := recompute.Apply(modelBytes, recompute.WithLogger(logger))
		if err != nil {
			return err
		}
		return writeModel(filepath.Join(outDir, base+"_recompute.onnx"), rewritten, logger)

	case "split":
		b, err := initBuilder(modelBytes, cfg, logger)
		if err != nil {
			return err
		}
		if err := b.BuildAndSplit(cfg.InputShapes); err != nil {
			return err
		}
		forward, err := b.ForwardModel()
		if err != nil {
			return err
		}
		backward, err := b.BackwardModel()
		if err != nil {
			return err
		}
		if err := writeModel(filepath.Join(outDir, base+"_forward.onnx"), forward, logger); err != nil {
			return err
		}
		return writeModel(filepath.Join(outDir, base+"_backward.onnx"), backward, logger)

	case "merged":
		b, err := initBuilder(modelBytes, cfg, logger)
		if err != nil {
			return err
		}
		if err := b.Build(); err != nil {
			return err
		}
		gradient, err := b.GradientModel()
		if err != nil {
			return err
		}
		return writeModel(filepath.Join(outDir, base+"_gradient.onnx"), gradient, logger)

	default:
		return fmt.Errorf("unknown mode %q, want split, merged or recompute", mode)
	}
}

func initBuilder(modelBytes []byte, cfg fileConfig, logger *slog.Logger) (*train.Builder, error) {
	b := train.New(train.WithLogger(logger))
	err := b.Initialize(modelBytes, train.Config{
		InitializerNamesToTrain:    cfg.InitializersToTrain,
		InputNamesRequireGrad:      cfg.InputsRequireGrad,
		UseInvertibleLayerNormGrad: cfg.UseInvertibleLayerNormGrad,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func writeModel(path string, data []byte, logger *slog.Logger) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	logger.Info("model written", "path", path, "bytes", len(data))
	return nil
}
