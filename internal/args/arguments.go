package args

import (
	"strconv"
	"strings"
)

// Argument is one parsed value bound to its declared parameter.
type Argument struct {
	Parameter *Parameter
	Raw       string
}

func (a Argument) Value() string { return a.Raw }

func (a Argument) Int() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(a.Raw))
	if err != nil {
		return 0, a.notNumber()
	}
	return n, nil
}

func (a Argument) Int64() (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(a.Raw), 10, 64)
	if err != nil {
		return 0, a.notNumber()
	}
	return n, nil
}

func (a Argument) notNumber() error {
	name := ""
	if a.Parameter != nil {
		name = a.Parameter.Label()
	}
	return &ParseError{Kind: ErrNotNumber, Arg: name}
}

// ArgumentList maps declared parameters to parsed arguments.
type ArgumentList struct {
	args map[*Parameter]Argument
}

// Empty is the result of parsing no input when nothing is mandatory.
var Empty = &ArgumentList{}

// Has reports whether p was given explicitly.
func (l *ArgumentList) Has(p *Parameter) bool {
	_, ok := l.args[p]
	return ok
}

// Get returns the argument for p, falling back to p's default.
func (l *ArgumentList) Get(p *Parameter) (Argument, bool) {
	if a, ok := l.args[p]; ok {
		return a, true
	}
	if p != nil && p.hasDefault {
		return Argument{Parameter: p, Raw: p.def}, true
	}
	return Argument{Parameter: p}, false
}

// Value returns the raw value of p, its default, or "".
func (l *ArgumentList) Value(p *Parameter) string {
	a, _ := l.Get(p)
	return a.Raw
}

func (l *ArgumentList) Int(p *Parameter) (int, error) {
	a, ok := l.Get(p)
	if !ok {
		return 0, &ParseError{Kind: ErrMissing, Arg: p.Label()}
	}
	return a.Int()
}

func (l *ArgumentList) Int64(p *Parameter) (int64, error) {
	a, ok := l.Get(p)
	if !ok {
		return 0, &ParseError{Kind: ErrMissing, Arg: p.Label()}
	}
	return a.Int64()
}

func (l *ArgumentList) Len() int { return len(l.args) }
