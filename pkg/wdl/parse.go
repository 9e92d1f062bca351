package wdl

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	// InputPrefix marks workflow inputs that participate in wiring.
	InputPrefix = "in_"
	// OutputPrefix marks workflow outputs that participate in wiring.
	OutputPrefix = "out_"
)

var (
	versionRe    = regexp.MustCompile(`(?m)^\s*version\s+([0-9A-Za-z._-]+)\s*$`)
	workflowRe   = regexp.MustCompile(`\bworkflow\s+([A-Za-z][A-Za-z0-9_]*)`)
	typeRe       = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\[.*\])?[?+]*$`)
	identifierRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*`)
)

// ParseError is returned when a workflow document cannot be understood
// well enough to take part in a combination.
type ParseError struct {
	Location string
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Location == "" {
		return "parse error: " + e.Reason
	}

	return fmt.Sprintf("parse error in %s: %s", e.Location, e.Reason)
}

// Declaration is a single typed input or output of a workflow.
type Declaration struct {
	// Type is the declared type without its optionality marker.
	Type string
	// Marker is the trailing optionality marker ("?", "+", "+?" or "").
	Marker string
	// Name is the identifier as written, including its prefix.
	Name string
	// Stripped is Name with its in_/out_ prefix removed.
	Stripped string
}

// FullType returns the type including its optionality marker.
func (d Declaration) FullType() string {
	return d.Type + d.Marker
}

// Workflow is the wiring-relevant surface of a WDL workflow.
type Workflow struct {
	Name string
	// Version is the document's version statement, empty for draft-2.
	Version string
	// Inputs holds in_ declarations sorted by stripped name.
	Inputs []Declaration
	// Outputs holds out_ declarations sorted by stripped name.
	Outputs []Declaration
}

// Input returns the input whose stripped name matches name.
func (w *Workflow) Input(stripped string) (Declaration, bool) {
	for _, in := range w.Inputs {
		if in.Stripped == stripped {
			return in, true
		}
	}

	return Declaration{}, false
}

// Output returns the output whose stripped name matches name.
func (w *Workflow) Output(stripped string) (Declaration, bool) {
	for _, o := range w.Outputs {
		if o.Stripped == stripped {
			return o, true
		}
	}

	return Declaration{}, false
}

// Parse extracts the workflow name along with its prefixed input and
// output declarations.
func Parse(doc string) (*Workflow, error) {
	src := stripComments(doc)

	loc := workflowRe.FindStringSubmatchIndex(src)
	if loc == nil {
		return nil, &ParseError{Reason: "name not found"}
	}

	wf := &Workflow{Name: src[loc[2]:loc[3]]}

	if m := versionRe.FindStringSubmatch(src[:loc[0]]); m != nil {
		wf.Version = m[1]
	}

	open := strings.IndexByte(src[loc[1]:], '{')
	if open < 0 {
		return nil, &ParseError{
			Reason: fmt.Sprintf("workflow %q has no body", wf.Name),
		}
	}

	body, err := blockBody(src, loc[1]+open)
	if err != nil {
		return nil, err
	}

	inputs, err := parseInputs(body)
	if err != nil {
		return nil, err
	}

	outputs, err := parseOutputs(body)
	if err != nil {
		return nil, err
	}

	wf.Inputs = inputs
	wf.Outputs = outputs

	return wf, nil
}

func parseInputs(body string) ([]Declaration, error) {
	block, ok, err := topLevelBlock(body, "input")
	if err != nil {
		return nil, err
	}

	if ok {
		return collect(block, InputPrefix, true)
	}

	// Pre-1.0 documents declare inputs directly in the workflow body.
	return collect(flatten(body), InputPrefix, false)
}

func parseOutputs(body string) ([]Declaration, error) {
	block, ok, err := topLevelBlock(body, "output")
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	decls, err := collect(block, OutputPrefix, true)
	if err != nil {
		return nil, err
	}

	// Outputs carry their full type; optionality only matters for inputs.
	for i := range decls {
		decls[i].Type = decls[i].FullType()
		decls[i].Marker = ""
	}

	return decls, nil
}

// collect parses every statement of block and keeps the declarations
// whose name carries prefix. With strict set, a statement that is not a
// declaration is an error.
func collect(block, prefix string, strict bool) ([]Declaration, error) {
	seen := make(map[string]struct{}, 8)
	decls := make([]Declaration, 0, 8)

	for _, stmt := range statements(block) {
		d, err := parseDeclaration(stmt)
		if err != nil {
			if strict {
				return nil, err
			}

			continue
		}

		if !strings.HasPrefix(d.Name, prefix) || len(d.Name) == len(prefix) {
			continue
		}

		d.Stripped = strings.TrimPrefix(d.Name, prefix)

		if _, dup := seen[d.Stripped]; dup {
			continue
		}

		seen[d.Stripped] = struct{}{}
		decls = append(decls, d)
	}

	sort.SliceStable(decls, func(i, j int) bool {
		return decls[i].Stripped < decls[j].Stripped
	})

	return decls, nil
}

// parseDeclaration splits "Type name [= expr]" into its parts.
func parseDeclaration(stmt string) (Declaration, error) {
	malformed := &ParseError{
		Reason: fmt.Sprintf("malformed declaration %q", stmt),
	}

	depth := 0
	end := -1

	for i, c := range stmt {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ' ', '\t', '\n', '\r':
			if depth == 0 && end < 0 {
				end = i
			}
		}

		if end >= 0 {
			break
		}
	}

	if end <= 0 {
		return Declaration{}, malformed
	}

	typ := stmt[:end]
	if !typeRe.MatchString(typ) {
		return Declaration{}, malformed
	}

	rest := strings.TrimSpace(stmt[end:])

	name := identifierRe.FindString(rest)
	if name == "" {
		return Declaration{}, malformed
	}

	if tail := strings.TrimSpace(rest[len(name):]); tail != "" &&
		!strings.HasPrefix(tail, "=") {
		return Declaration{}, malformed
	}

	base := strings.TrimRight(typ, "?+")

	return Declaration{
		Type:   base,
		Marker: typ[len(base):],
		Name:   name,
	}, nil
}

// stripComments removes '#' comments outside of string literals.
func stripComments(src string) string {
	var (
		b     strings.Builder
		quote rune
		skip  bool
	)

	b.Grow(len(src))

	for _, c := range src {
		switch {
		case skip:
			if c != '\n' {
				continue
			}

			skip = false
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '#':
			skip = true

			continue
		}

		b.WriteRune(c)
	}

	return b.String()
}

// blockBody returns the text between the brace at open and its match.
func blockBody(src string, open int) (string, error) {
	depth := 0

	var quote byte

	for i := open; i < len(src); i++ {
		c := src[i]

		if quote != 0 {
			if c == quote {
				quote = 0
			}

			continue
		}

		switch c {
		case '"', '\'':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return src[open+1 : i], nil
			}
		}
	}

	return "", &ParseError{Reason: "unbalanced braces"}
}

// topLevelBlock finds "keyword {" at nesting depth zero of body.
func topLevelBlock(body, keyword string) (string, bool, error) {
	depth := 0

	var quote byte

	for i := 0; i < len(body); i++ {
		c := body[i]

		if quote != 0 {
			if c == quote {
				quote = 0
			}

			continue
		}

		switch c {
		case '"', '\'':
			quote = c

			continue
		case '{':
			depth++

			continue
		case '}':
			depth--

			continue
		}

		if depth != 0 || !strings.HasPrefix(body[i:], keyword) {
			continue
		}

		if i > 0 && isIdentByte(body[i-1]) {
			continue
		}

		rest := strings.TrimLeft(body[i+len(keyword):], " \t\r\n")
		if !strings.HasPrefix(rest, "{") {
			continue
		}

		open := len(body) - len(rest)

		block, err := blockBody(body, open)
		if err != nil {
			return "", false, err
		}

		return block, true, nil
	}

	return "", false, nil
}

// flatten drops every nested block from body, leaving only the
// statements written directly at its top level.
func flatten(body string) string {
	var (
		b     strings.Builder
		depth int
	)

	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '{':
			depth++
		case '}':
			depth--
		default:
			if depth == 0 {
				b.WriteByte(body[i])
			}
		}
	}

	return b.String()
}

// statements splits a block into newline-terminated statements, keeping
// bracketed expressions that span several lines together.
func statements(block string) []string {
	var (
		out   []string
		cur   strings.Builder
		depth int
		quote byte
	)

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}

		cur.Reset()
	}

	for i := 0; i < len(block); i++ {
		c := block[i]

		if quote != 0 {
			if c == quote {
				quote = 0
			}

			cur.WriteByte(c)

			continue
		}

		switch c {
		case '"', '\'':
			quote = c
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			depth--
		case '\n':
			if depth <= 0 {
				flush()

				continue
			}
		}

		cur.WriteByte(c)
	}

	flush()

	return out
}

func isIdentByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
