package builder

// Config is the trainability specification, supplied once at Initialize and
// immutable for the lifetime of one orchestration run.
type Config struct {
	// InitializerNamesToTrain lists the persisted constants to train, in
	// the order gradients should be reported.
	InitializerNamesToTrain []string

	// InputNamesRequireGrad lists the user inputs whose gradients must be
	// produced as graph outputs.
	InputNamesRequireGrad []string

	// UseInvertibleLayerNormGrad selects the invertible layer normalization
	// gradient kernel.
	UseInvertibleLayerNormGrad bool
}

// SplitGraphsInfo is the canonical record of boundary names for one build.
// It is recomputed on every build call, since concrete input shapes change
// which nodes and tensors appear, and it is the single source of truth: no
// component infers boundary names by any other means.
type SplitGraphsInfo struct {
	// UserInputNames are the original model inputs, in declaration order.
	UserInputNames []string

	// UserOutputNames are the original model outputs, in declaration order.
	UserOutputNames []string

	// InitializerNamesToTrain mirrors the configuration, in order.
	InitializerNamesToTrain []string

	// InitializerGradNamesToTrain are the trainable-constant gradients the
	// differentiated graph actually produces, in trainable order.
	InitializerGradNamesToTrain []string

	// UserInputGradNames maps a grad-required user input to its gradient
	// tensor name. Filled by ReorderOutputs.
	UserInputGradNames map[string]string

	// UserOutputGradNames are the conventional gradient names of every user
	// output that the backward pass consumes.
	UserOutputGradNames []string

	// BackwardOutputGradNames are the user output gradients that nothing in
	// the graph produces: external seeds that must be supplied when the
	// backward pass runs.
	BackwardOutputGradNames []string

	// BackwardUserInputNames are the user inputs the backward graph
	// actually references.
	BackwardUserInputNames []string

	// BackwardInitializerNamesAsInput are the trainable constants the
	// backward graph references; they arrive as live inputs rather than
	// constants.
	BackwardInitializerNamesAsInput []string

	// IntermediateTensorNames are the forward-computed tensors the backward
	// graph consumes: the forward/backward boundary.
	IntermediateTensorNames []string

	// OrderedInitializerNames lists trainable constants in true backward
	// completion order: the constant whose gradient becomes available first
	// comes first. Downstream consumers (an optimizer step) rely on this
	// order to know which gradient is ready when.
	OrderedInitializerNames []string
}
