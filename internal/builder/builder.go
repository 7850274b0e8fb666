package builder

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/born-ml/gradgraph/internal/gradient"
	"github.com/born-ml/gradgraph/internal/graph"
	"github.com/born-ml/gradgraph/internal/transform"
)

// buildIDKey is the model metadata key correlating the artifacts of one
// build.
const buildIDKey = "gradgraph.build_id"

// Builder drives gradient graph construction and splitting for one model.
//
// Usage: Initialize once with the model bytes and the trainability
// configuration, then call BuildAndSplit per concrete input shape set (or
// Build for the merged checkpoint-mode graph). The Builder is not safe for
// concurrent use; it assumes exclusive ownership of the graphs it builds.
type Builder struct {
	model         *graph.Model
	forwardModel  *graph.Model
	backwardModel *graph.Model
	gradientModel *graph.Model

	config     Config
	info       SplitGraphsInfo
	transforms *transform.Manager
	logger     *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// New creates an uninitialized Builder.
func New(opts ...Option) *Builder {
	b := &Builder{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.transforms = transform.NewManager(b.logger)
	return b
}

// Initialize loads the model, records the original input/output names, and
// promotes every trainable constant to an explicit graph input so gradient
// computation and external feeding can see it. The configuration is stored
// immutably; concrete shapes arrive per build call.
func (b *Builder) Initialize(modelBytes []byte, config Config) error {
	model, err := graph.LoadModel(modelBytes)
	if err != nil {
		return err
	}
	g := model.Graph()

	b.info = SplitGraphsInfo{}
	for _, arg := range g.Inputs() {
		b.info.UserInputNames = append(b.info.UserInputNames, arg.Name())
	}
	for _, arg := range g.Outputs() {
		b.info.UserOutputNames = append(b.info.UserOutputNames, arg.Name())
	}
	b.info.InitializerNamesToTrain = append([]string(nil), config.InitializerNamesToTrain...)

	// Move trainable constants out of the constant table and onto the input
	// list. Their NodeArgs keep the concrete shapes recorded on the tensor.
	inputArgs := append([]*graph.NodeArg(nil), g.Inputs()...)
	for _, name := range b.info.InitializerNamesToTrain {
		if _, ok := g.Initializer(name); !ok {
			return fmt.Errorf("%w: trainable initializer %q not found in model", ErrConfigMismatch, name)
		}
		inputArgs = append(inputArgs, g.GetNodeArg(name))
		g.RemoveInitializer(name)
	}
	g.SetInputs(inputArgs)

	b.model = model
	b.config = config
	b.logger.Debug("builder initialized",
		"inputs", len(b.info.UserInputNames),
		"outputs", len(b.info.UserOutputNames),
		"trainable", len(b.info.InitializerNamesToTrain))
	return nil
}

// targetNames returns the differentiation targets: trainable constants plus
// grad-required user inputs, deduplicated, in configuration order.
func (b *Builder) targetNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range b.config.InitializerNamesToTrain {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range b.config.InputNamesRequireGrad {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// BuildAndSplit clones the stored model, applies the concrete input shapes,
// differentiates, fixes up the gradient boundary, and splits the result
// into a forward and a backward model.
//
// Constant folding depends on concrete shapes, so transformers run inside
// the build: each distinct shape set requires its own build call.
func (b *Builder) BuildAndSplit(inputShapes [][]int64) error {
	if b.model == nil {
		return ErrNotBuilt
	}
	if len(inputShapes) != len(b.info.UserInputNames) {
		return fmt.Errorf("%w: got %d input shapes for %d user inputs",
			ErrConfigMismatch, len(inputShapes), len(b.info.UserInputNames))
	}

	clone := b.model.Clone()
	g := clone.Graph()

	// Overwrite user input shapes; trainable-constant inputs already carry
	// concrete shapes.
	for i, name := range b.info.UserInputNames {
		g.GetNodeArg(name).SetShape(inputShapes[i])
	}
	if err := g.Resolve(); err != nil {
		return err
	}
	if err := b.transforms.ApplyAll(g); err != nil {
		return err
	}

	gb := gradient.NewBuilder(g, b.info.UserOutputNames, b.targetNames(), gradient.Config{
		UseInvertibleLayerNormGrad: b.config.UseInvertibleLayerNormGrad,
		SetGradientsAsGraphOutputs: true,
	}, b.logger)
	if err := gb.Build(); err != nil {
		return err
	}

	// The graph is transiently unresolvable here: external output-gradient
	// seeds are consumed but produced by nothing. Boundary fixup turns them
	// into graph inputs before the next resolve.
	b.fixGradientBoundary(g)
	if err := g.Resolve(); err != nil {
		return err
	}

	// Re-run transformers, mainly to clean up the backward portion.
	if err := b.transforms.ApplyAll(g); err != nil {
		return err
	}

	buildID := uuid.NewString()
	forward := clone.Clone()
	backward := clone.Clone()
	forward.SetMetadata(buildIDKey, buildID)
	backward.SetMetadata(buildIDKey, buildID)

	if err := b.split(forward, backward); err != nil {
		return err
	}
	b.forwardModel = forward
	b.backwardModel = backward
	b.logger.Debug("build and split complete",
		"build_id", buildID,
		"intermediates", len(b.info.IntermediateTensorNames))
	return nil
}

// fixGradientBoundary recomputes consumed/produced name sets after
// differentiation and wires up the gradient entry and exit points: external
// output-gradient seeds become graph inputs, produced target gradients
// become graph outputs in canonical order.
func (b *Builder) fixGradientBoundary(g *graph.Graph) {
	consumed, produced := collectNodeIONames(g.Nodes())

	inputArgs := append([]*graph.NodeArg(nil), g.Inputs()...)
	b.info.UserOutputGradNames = nil
	b.info.BackwardOutputGradNames = nil
	for _, outputName := range b.info.UserOutputNames {
		gradName := gradient.GradName(outputName)
		if !consumed[gradName] {
			continue
		}
		b.info.UserOutputGradNames = append(b.info.UserOutputGradNames, gradName)
		// Only an external seed when no node produces it.
		if !produced[gradName] {
			b.info.BackwardOutputGradNames = append(b.info.BackwardOutputGradNames, gradName)
			arg := g.GetNodeArg(gradName)
			arg.UpdateTypeAndShape(g.GetNodeArg(outputName))
			inputArgs = append(inputArgs, arg)
		}
	}
	g.SetInputs(inputArgs)

	var outputArgs []*graph.NodeArg
	for _, name := range b.info.UserOutputNames {
		outputArgs = append(outputArgs, g.GetNodeArg(name))
	}

	// Produced trainable-constant gradients become outputs; absence means
	// the trainable is dead with respect to the outputs, which is fine.
	b.info.InitializerGradNamesToTrain = nil
	for _, name := range b.info.InitializerNamesToTrain {
		gradName := gradient.GradName(name)
		if produced[gradName] {
			b.info.InitializerGradNamesToTrain = append(b.info.InitializerGradNamesToTrain, gradName)
			outputArgs = append(outputArgs, g.GetNodeArg(gradName))
		}
	}
	for _, name := range b.config.InputNamesRequireGrad {
		gradName := gradient.GradName(name)
		if produced[gradName] {
			outputArgs = append(outputArgs, g.GetNodeArg(gradName))
		}
	}
	g.SetOutputs(outputArgs)
}

// Build is the merged-graph entry point: instead of splitting, it inserts
// Yield synchronization markers into a single gradient graph and reorders
// its outputs into the canonical layout.
func (b *Builder) Build() error {
	if b.model == nil {
		return ErrNotBuilt
	}
	clone := b.model.Clone()
	if err := b.buildGradientGraph(clone); err != nil {
		return err
	}
	if err := b.addYieldOp(clone.Graph()); err != nil {
		return err
	}
	if err := b.reorderOutputs(clone.Graph()); err != nil {
		return err
	}
	if err := clone.Graph().Resolve(); err != nil {
		return err
	}
	clone.SetMetadata(buildIDKey, uuid.NewString())
	b.gradientModel = clone
	return nil
}

// buildGradientGraph differentiates in place without forcing gradients to
// be graph outputs; checkpoint markers deliver them instead.
func (b *Builder) buildGradientGraph(model *graph.Model) error {
	g := model.Graph()
	if err := g.Resolve(); err != nil {
		return err
	}
	if err := b.transforms.ApplyAll(g); err != nil {
		return err
	}

	gb := gradient.NewBuilder(g, b.info.UserOutputNames, b.targetNames(), gradient.Config{
		UseInvertibleLayerNormGrad: b.config.UseInvertibleLayerNormGrad,
		SetGradientsAsGraphOutputs: false,
	}, b.logger)
	if err := gb.Build(); err != nil {
		return err
	}

	// Until Yield nodes produce them, external output-gradient seeds are
	// declared as graph inputs so the merged graph resolves.
	b.fixMergedBoundary(g)
	if err := g.Resolve(); err != nil {
		return err
	}
	return b.transforms.ApplyAll(g)
}

// fixMergedBoundary promotes every consumed-but-unproduced user output
// gradient to a temporary graph input (addYieldOp later replaces these with
// a Yield producer) and appends every produced target gradient to the
// outputs. The output promotion is load-bearing twice over: reorderOutputs
// looks the grad-required input gradients up there, and nothing else
// anchors the trainable-gradient producers while dead-node elimination runs
// over the merged graph. reorderOutputs drops the trainable gradients from
// the canonical list again once the push markers exist.
func (b *Builder) fixMergedBoundary(g *graph.Graph) {
	consumed, produced := collectNodeIONames(g.Nodes())

	inputArgs := append([]*graph.NodeArg(nil), g.Inputs()...)
	for _, outputName := range b.info.UserOutputNames {
		gradName := gradient.GradName(outputName)
		if consumed[gradName] && !produced[gradName] {
			arg := g.GetNodeArg(gradName)
			arg.UpdateTypeAndShape(g.GetNodeArg(outputName))
			inputArgs = append(inputArgs, arg)
		}
	}
	g.SetInputs(inputArgs)

	outputArgs := append([]*graph.NodeArg(nil), g.Outputs()...)
	for _, name := range b.targetNames() {
		gradName := gradient.GradName(name)
		if produced[gradName] {
			outputArgs = append(outputArgs, g.GetNodeArg(gradName))
		}
	}
	g.SetOutputs(outputArgs)
}

// Info returns the boundary bookkeeping of the last build.
func (b *Builder) Info() *SplitGraphsInfo { return &b.info }

// ForwardModel serializes the forward model produced by BuildAndSplit.
func (b *Builder) ForwardModel() ([]byte, error) {
	if b.forwardModel == nil {
		return nil, fmt.Errorf("%w: forward model", ErrNotBuilt)
	}
	return b.forwardModel.Serialize(), nil
}

// BackwardModel serializes the backward model produced by BuildAndSplit.
func (b *Builder) BackwardModel() ([]byte, error) {
	if b.backwardModel == nil {
		return nil, fmt.Errorf("%w: backward model", ErrNotBuilt)
	}
	return b.backwardModel.Serialize(), nil
}

// GradientModel serializes the merged gradient model produced by Build.
func (b *Builder) GradientModel() ([]byte, error) {
	if b.gradientModel == nil {
		return nil, fmt.Errorf("%w: gradient model", ErrNotBuilt)
	}
	return b.gradientModel.Serialize(), nil
}

// collectNodeIONames gathers the consumed and produced tensor name sets
// over a node list.
func collectNodeIONames(nodes []*graph.Node) (consumed, produced map[string]bool) {
	consumed = make(map[string]bool)
	produced = make(map[string]bool)
	for _, node := range nodes {
		for _, arg := range node.Inputs() {
			if arg != nil {
				consumed[arg.Name()] = true
			}
		}
		for _, arg := range node.Outputs() {
			produced[arg.Name()] = true
		}
	}
	return consumed, produced
}
