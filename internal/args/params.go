// Package args declares command parameters and parses one line of chat input
// into validated arguments.
//
// Input is split on single spaces. Positionals fill left to right and the
// last one is greedy: it takes every remaining token up to the next --name,
// keeping runs of spaces verbatim. A --name token binds exactly the next
// token as its value.
package args

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	Positional Kind = iota
	Named
)

func (k Kind) String() string {
	if k == Named {
		return "named"
	}
	return "positional"
}

// Parameter is one declared input. It is immutable; WithDefault returns a copy.
type Parameter struct {
	kind        Kind
	name        string
	description string
	mandatory   bool
	def         string
	hasDefault  bool
}

func NewPositional(name, description string, mandatory bool) *Parameter {
	return &Parameter{kind: Positional, name: name, description: description, mandatory: mandatory}
}

// NewNamed declares a --name parameter. Names are matched case-insensitively.
func NewNamed(name, description string, mandatory bool) *Parameter {
	return &Parameter{kind: Named, name: strings.ToLower(name), description: description, mandatory: mandatory}
}

func (p *Parameter) WithDefault(v string) *Parameter {
	cp := *p
	cp.def = v
	cp.hasDefault = true
	return &cp
}

func (p *Parameter) Kind() Kind              { return p.kind }
func (p *Parameter) Name() string            { return p.name }
func (p *Parameter) Description() string     { return p.description }
func (p *Parameter) Mandatory() bool         { return p.mandatory }
func (p *Parameter) Default() (string, bool) { return p.def, p.hasDefault }

// Label is the name as a user types or reads it.
func (p *Parameter) Label() string {
	if p.kind == Named {
		return "--" + p.name
	}
	return p.name
}

// ParameterList is the declared signature of a command.
type ParameterList struct {
	positional []*Parameter
	named      map[string]*Parameter
	namedOrder []*Parameter

	mandatoryPrefix int
	mandatoryNamed  []*Parameter
}

// None accepts no arguments at all.
var None = &ParameterList{named: map[string]*Parameter{}}

// Of builds a ParameterList and panics on an invalid declaration.
// Declarations are static, so a bad one is a programming error.
func Of(params ...*Parameter) *ParameterList {
	l, err := New(params...)
	if err != nil {
		panic(err)
	}
	return l
}

func New(params ...*Parameter) (*ParameterList, error) {
	l := &ParameterList{named: map[string]*Parameter{}}
	seen := map[string]bool{}
	optionalSeen := false

	for i, p := range params {
		if p == nil {
			return nil, fmt.Errorf("parameter #%d is nil", i)
		}
		name := p.name
		if name == "" || strings.ContainsAny(name, " \t\n") || strings.HasPrefix(name, "-") {
			return nil, fmt.Errorf("parameter #%d: invalid name %q", i, name)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return nil, fmt.Errorf("duplicate parameter %q", name)
		}
		seen[key] = true

		switch p.kind {
		case Positional:
			if p.mandatory {
				if optionalSeen {
					return nil, fmt.Errorf("mandatory positional %q follows an optional one", name)
				}
				l.mandatoryPrefix++
			} else {
				optionalSeen = true
			}
			l.positional = append(l.positional, p)
		case Named:
			l.named[key] = p
			l.namedOrder = append(l.namedOrder, p)
			if p.mandatory {
				l.mandatoryNamed = append(l.mandatoryNamed, p)
			}
		default:
			return nil, fmt.Errorf("parameter %q: unknown kind %d", name, p.kind)
		}
	}
	return l, nil
}

// Params returns positionals in order followed by named parameters in declaration order.
func (l *ParameterList) Params() []*Parameter {
	out := make([]*Parameter, 0, len(l.positional)+len(l.namedOrder))
	out = append(out, l.positional...)
	return append(out, l.namedOrder...)
}

func (l *ParameterList) IsEmpty() bool {
	return len(l.positional) == 0 && len(l.named) == 0
}

// Usage renders the signature, e.g. "<pid> [reason...] [--every value]".
func (l *ParameterList) Usage() string {
	parts := make([]string, 0, len(l.positional)+len(l.namedOrder))
	for i, p := range l.positional {
		n := p.name
		if i == len(l.positional)-1 {
			n += "..."
		}
		if p.mandatory {
			parts = append(parts, "<"+n+">")
		} else {
			parts = append(parts, "["+n+"]")
		}
	}
	for _, p := range l.namedOrder {
		s := "--" + p.name + " <value>"
		if !p.mandatory {
			s = "[" + s + "]"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// Parse resolves input against the declaration.
func (l *ParameterList) Parse(input string) (*ArgumentList, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		if err := l.validate(0, nil); err != nil {
			return nil, err
		}
		return Empty, nil
	}
	if l.IsEmpty() {
		return nil, &ParseError{Kind: ErrTooMany}
	}

	values := map[*Parameter]string{}
	pos := 0
	closed := false
	var pending *Parameter
	var run []string

	fold := func() {
		if run == nil {
			return
		}
		for len(run) > 0 && run[len(run)-1] == "" {
			run = run[:len(run)-1]
		}
		values[l.positional[pos]] = strings.Join(run, " ")
		pos++
		run = nil
	}

	for _, tok := range strings.Split(input, " ") {
		if isNamedToken(tok) {
			if pending != nil {
				return nil, &ParseError{Kind: ErrNoValue, Arg: pending.Label()}
			}
			fold()
			p, ok := l.named[strings.ToLower(tok[2:])]
			if !ok {
				return nil, &ParseError{Kind: ErrInvalid, Arg: tok}
			}
			if pos > 0 {
				closed = true
			}
			pending = p
			continue
		}
		if pending != nil {
			if tok == "" {
				continue
			}
			values[pending] = tok
			pending = nil
			continue
		}
		if run != nil {
			run = append(run, tok)
			continue
		}
		if tok == "" {
			continue
		}
		if closed || pos >= len(l.positional) {
			return nil, &ParseError{Kind: ErrTooMany}
		}
		if pos == len(l.positional)-1 {
			run = []string{tok}
			continue
		}
		values[l.positional[pos]] = tok
		pos++
	}

	if pending != nil {
		return nil, &ParseError{Kind: ErrNoValue, Arg: pending.Label()}
	}
	fold()
	if err := l.validate(pos, values); err != nil {
		return nil, err
	}

	out := &ArgumentList{args: make(map[*Parameter]Argument, len(values))}
	for p, raw := range values {
		out.args[p] = Argument{Parameter: p, Raw: raw}
	}
	return out, nil
}

func (l *ParameterList) validate(pos int, values map[*Parameter]string) error {
	if pos < l.mandatoryPrefix {
		return &ParseError{Kind: ErrMissing, Arg: l.positional[pos].Label()}
	}
	for _, p := range l.mandatoryNamed {
		if _, ok := values[p]; !ok {
			return &ParseError{Kind: ErrMissing, Arg: p.Label()}
		}
	}
	return nil
}

// isNamedToken reports whether tok has the --name form: two dashes, then a non-dash.
func isNamedToken(tok string) bool {
	return len(tok) >= 3 && strings.HasPrefix(tok, "--") && tok[2] != '-'
}

var (
	ErrTooMany   = errors.New("too many arguments")
	ErrMissing   = errors.New("missing argument")
	ErrInvalid   = errors.New("invalid argument")
	ErrNoValue   = errors.New("argument without value")
	ErrNotNumber = errors.New("not a number")
)

// ParseError is returned for malformed input. Kind is one of the Err* sentinels.
type ParseError struct {
	Kind error
	Arg  string
}

func (e *ParseError) Error() string {
	if e.Arg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Arg
}

func (e *ParseError) Unwrap() error { return e.Kind }
