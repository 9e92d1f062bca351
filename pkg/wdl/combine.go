package wdl

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// MergedWorkflowName is the name of the generated workflow. Engine
	// inputs for a merged run are keyed "<MergedWorkflowName>.<name>".
	MergedWorkflowName = "merged_workflow"
	// TestCallAlias is the call alias of the test workflow.
	TestCallAlias = "call_test"
	// EvalCallAlias is the call alias of the eval workflow.
	EvalCallAlias = "call_eval"

	testImportAlias = "test"
	evalImportAlias = "eval"
	indent          = "    "

	// defaultVersion is emitted when the plan carries no version.
	defaultVersion = "1.0"

	errNoVersion = "no version statement, draft-2 documents cannot be combined"
)

// Binding is a single call argument.
type Binding struct {
	Name  string
	Value string
}

// Plan is the computed wiring between a test and an eval workflow.
type Plan struct {
	Test     *Workflow
	Eval     *Workflow
	Inputs   []Declaration
	TestArgs []Binding
	EvalArgs []Binding
	Outputs  []Binding
	// OutputTypes holds the declared type of each entry in Outputs.
	OutputTypes []string
}

// Combine merges a test and an eval workflow into a single document
// that imports both and feeds every eval in_x from the matching test
// out_x. The locations are used verbatim as import paths. Both documents
// must declare the same version, which the merged document inherits.
func Combine(testDoc, testLocation, evalDoc, evalLocation string) (string, error) {
	test, err := Parse(testDoc)
	if err != nil {
		return "", withLocation(err, testLocation)
	}

	eval, err := Parse(evalDoc)
	if err != nil {
		return "", withLocation(err, evalLocation)
	}

	if test.Version == "" {
		return "", &ParseError{Location: testLocation, Reason: errNoVersion}
	}

	if eval.Version == "" {
		return "", &ParseError{Location: evalLocation, Reason: errNoVersion}
	}

	if eval.Version != test.Version {
		return "", &ParseError{
			Location: evalLocation,
			Reason: fmt.Sprintf(
				"version %s does not match test version %s", eval.Version, test.Version,
			),
		}
	}

	p, err := NewPlan(test, eval)
	if err != nil {
		return "", withLocation(err, evalLocation)
	}

	return Render(p, testLocation, evalLocation), nil
}

// NewPlan computes the merged inputs and the arguments of both calls.
// Every group is ordered by stripped name. An eval input that is fed
// from the same merged input as a test input must have the same type.
func NewPlan(test, eval *Workflow) (*Plan, error) {
	p := &Plan{Test: test, Eval: eval}

	inputs := make(map[string]Declaration, len(test.Inputs)+len(eval.Inputs))

	for _, in := range test.Inputs {
		inputs[in.Stripped] = mergedInput(in)

		p.TestArgs = append(p.TestArgs, Binding{Name: in.Name, Value: in.Stripped})
	}

	for _, in := range eval.Inputs {
		if out, ok := test.Output(in.Stripped); ok {
			p.EvalArgs = append(p.EvalArgs, Binding{
				Name:  in.Name,
				Value: TestCallAlias + "." + out.Name,
			})

			continue
		}

		shared, exists := inputs[in.Stripped]

		switch {
		case !exists:
			inputs[in.Stripped] = mergedInput(in)
		case shared.Type != in.Type:
			return nil, &ParseError{Reason: fmt.Sprintf(
				"input %q is %s in test but %s in eval",
				in.Stripped, shared.FullType(), in.FullType(),
			)}
		default:
			shared.Marker = strictestMarker(shared.Marker, in.Marker)
			inputs[in.Stripped] = shared
		}

		p.EvalArgs = append(p.EvalArgs, Binding{Name: in.Name, Value: in.Stripped})
	}

	p.Inputs = make([]Declaration, 0, len(inputs))
	for _, d := range inputs {
		p.Inputs = append(p.Inputs, d)
	}

	sort.Slice(p.Inputs, func(i, j int) bool {
		return p.Inputs[i].Name < p.Inputs[j].Name
	})

	for _, out := range eval.Outputs {
		p.Outputs = append(p.Outputs, Binding{
			Name:  out.Name,
			Value: EvalCallAlias + "." + out.Name,
		})
		p.OutputTypes = append(p.OutputTypes, out.FullType())
	}

	return p, nil
}

// Render emits the merged workflow document for p.
func Render(p *Plan, testLocation, evalLocation string) string {
	var b strings.Builder

	version := p.Test.Version
	if version == "" {
		version = defaultVersion
	}

	fmt.Fprintf(&b, "version %s\n\n", version)
	fmt.Fprintf(&b, "import %q as %s\n", testLocation, testImportAlias)
	fmt.Fprintf(&b, "import %q as %s\n\n", evalLocation, evalImportAlias)
	fmt.Fprintf(&b, "workflow %s {\n", MergedWorkflowName)

	b.WriteString(indent + "input {\n")

	for _, in := range p.Inputs {
		fmt.Fprintf(&b, "%s%s%s %s\n", indent, indent, in.FullType(), in.Name)
	}

	b.WriteString(indent + "}\n\n")

	writeCall(&b, testImportAlias+"."+p.Test.Name, TestCallAlias, p.TestArgs)
	b.WriteString("\n")
	writeCall(&b, evalImportAlias+"."+p.Eval.Name, EvalCallAlias, p.EvalArgs)
	b.WriteString("\n")

	b.WriteString(indent + "output {\n")

	for i, out := range p.Outputs {
		fmt.Fprintf(&b, "%s%s%s %s = %s\n",
			indent, indent, p.OutputTypes[i], out.Name, out.Value)
	}

	b.WriteString(indent + "}\n")
	b.WriteString("}\n")

	return b.String()
}

func writeCall(b *strings.Builder, target, alias string, args []Binding) {
	if len(args) == 0 {
		fmt.Fprintf(b, "%scall %s as %s\n", indent, target, alias)

		return
	}

	fmt.Fprintf(b, "%scall %s as %s {\n", indent, target, alias)
	b.WriteString(indent + indent + "input:\n")

	for i, arg := range args {
		sep := ","
		if i == len(args)-1 {
			sep = ""
		}

		fmt.Fprintf(b, "%s%s%s%s = %s%s\n",
			indent, indent, indent, arg.Name, arg.Value, sep)
	}

	b.WriteString(indent + "}\n")
}

// mergedInput turns a prefixed call input into the merged workflow
// input it is fed from.
func mergedInput(in Declaration) Declaration {
	return Declaration{
		Type:     in.Type,
		Marker:   in.Marker,
		Name:     in.Stripped,
		Stripped: in.Stripped,
	}
}

// strictestMarker returns the marker of a merged input that satisfies
// two calls: required unless both accept a missing value, non-empty if
// either demands it.
func strictestMarker(a, b string) string {
	var m string

	if strings.Contains(a, "+") || strings.Contains(b, "+") {
		m = "+"
	}

	if strings.Contains(a, "?") && strings.Contains(b, "?") {
		m += "?"
	}

	return m
}

func withLocation(err error, location string) error {
	var pe *ParseError
	if errors.As(err, &pe) && pe.Location == "" {
		return &ParseError{Location: location, Reason: pe.Reason}
	}

	return err
}
