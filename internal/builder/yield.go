package builder

import (
	"fmt"

	"github.com/born-ml/gradgraph/internal/gradient"
	"github.com/born-ml/gradgraph/internal/graph"
)

// pushInputAttr flags a Yield marker as pushing its input out for external
// consumption. Absent (or zero) means the marker awaits values from outside.
const pushInputAttr = "push_input"

// addYieldOp inserts the synchronization markers of the merged gradient
// graph.
//
// A single Yield node pauses execution at the forward/backward boundary: it
// takes every user output as input and produces the externally supplied
// gradient seeds as outputs. Outputs whose gradient the graph already
// produces internally are awaited but get no seed.
//
// Additionally, one push-flagged Yield marker per produced trainable
// gradient hands the gradient out as soon as its producer has run, so an
// optimizer can start stepping before the backward pass finishes.
func (b *Builder) addYieldOp(g *graph.Graph) error {
	_, produced := collectNodeIONames(g.Nodes())

	b.info.UserOutputGradNames = nil
	for _, name := range b.info.UserOutputNames {
		b.info.UserOutputGradNames = append(b.info.UserOutputGradNames, gradient.GradName(name))
	}

	// Seeded outputs come first so yield input order matches yield output
	// order; internally produced ones are awaited afterwards.
	var yieldInputs, yieldOutputs []*graph.NodeArg
	b.info.BackwardOutputGradNames = nil
	for _, name := range b.info.UserOutputNames {
		gradName := gradient.GradName(name)
		if produced[gradName] {
			continue
		}
		b.info.BackwardOutputGradNames = append(b.info.BackwardOutputGradNames, gradName)
		outputArg := g.GetNodeArg(name)
		yieldInputs = append(yieldInputs, outputArg)
		gradArg := g.GetOrCreateNodeArg(gradName, outputArg)
		gradArg.UpdateTypeAndShape(outputArg)
		yieldOutputs = append(yieldOutputs, gradArg)
	}
	for _, name := range b.info.UserOutputNames {
		if produced[gradient.GradName(name)] {
			yieldInputs = append(yieldInputs, g.GetNodeArg(name))
		}
	}
	g.AddNode("YieldOp_fw", "Yield", "", yieldInputs, yieldOutputs, nil, graph.TrainingDomain)

	// The seeds were declared as temporary graph inputs so the
	// differentiated graph could resolve; the Yield node produces them now.
	seeded := make(map[string]bool, len(b.info.BackwardOutputGradNames))
	for _, name := range b.info.BackwardOutputGradNames {
		seeded[name] = true
	}
	var inputArgs []*graph.NodeArg
	for _, arg := range g.Inputs() {
		if !seeded[arg.Name()] {
			inputArgs = append(inputArgs, arg)
		}
	}
	g.SetInputs(inputArgs)

	gradToTrainable := make(map[string]string, len(b.info.InitializerNamesToTrain))
	b.info.InitializerGradNamesToTrain = nil
	for _, name := range b.info.InitializerNamesToTrain {
		gradName := gradient.GradName(name)
		gradToTrainable[gradName] = name
		if produced[gradName] {
			b.info.InitializerGradNamesToTrain = append(b.info.InitializerGradNamesToTrain, gradName)
		}
	}

	// Scan gradient producers in forward topological order. That order lists
	// trainables in reverse backward completion order, so the recorded list
	// is reversed at the end per the ordering contract of
	// OrderedInitializerNames.
	b.info.OrderedInitializerNames = nil
	for _, node := range g.NodesInTopologicalOrder() {
		for _, out := range node.Outputs() {
			trainableName, ok := gradToTrainable[out.Name()]
			if !ok {
				continue
			}
			yield := g.AddNode(fmt.Sprintf("YieldOp_%s", out.Name()), "Yield", "",
				[]*graph.NodeArg{out}, nil, nil, graph.TrainingDomain)
			yield.SetRole(graph.RoleBackward)
			yield.AddAttribute(pushInputAttr, 1)
			b.info.OrderedInitializerNames = append(b.info.OrderedInitializerNames, trainableName)
		}
	}
	ordered := b.info.OrderedInitializerNames
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return nil
}

// reorderOutputs canonicalizes the merged graph's output order: user outputs
// in declaration order, then the gradients of grad-required user inputs in
// input declaration order. Trainable-constant gradients are delivered through
// push markers only and never appear in the canonical output list.
func (b *Builder) reorderOutputs(g *graph.Graph) error {
	current := make(map[string]*graph.NodeArg, len(g.Outputs()))
	for _, arg := range g.Outputs() {
		current[arg.Name()] = arg
	}

	var outputArgs []*graph.NodeArg
	for _, name := range b.info.UserOutputNames {
		outputArgs = append(outputArgs, g.GetNodeArg(name))
	}

	required := make(map[string]bool, len(b.config.InputNamesRequireGrad))
	for _, name := range b.config.InputNamesRequireGrad {
		required[name] = true
	}

	b.info.UserInputGradNames = make(map[string]string)
	for _, name := range b.info.UserInputNames {
		if !required[name] {
			continue
		}
		gradName := gradient.GradName(name)
		arg, ok := current[gradName]
		if !ok {
			return fmt.Errorf("%w: required gradient %q for user input %q is not produced",
				ErrConfigMismatch, gradName, name)
		}
		b.info.UserInputGradNames[name] = gradName
		outputArgs = append(outputArgs, arg)
	}
	g.SetOutputs(outputArgs)
	return nil
}
