package args

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PositionalsRoundTrip(t *testing.T) {
	for n := 1; n <= 5; n++ {
		params := make([]*Parameter, n)
		words := make([]string, n)
		for i := range params {
			params[i] = NewPositional(string(rune('a'+i)), "", true)
			words[i] = strings.Repeat(string(rune('x'+i%3)), i+1)
		}
		list := Of(params...)

		got, err := list.Parse(strings.Join(words, " "))
		require.NoError(t, err)
		for i, p := range params {
			assert.Equal(t, words[i], got.Value(p), "n=%d param %d", n, i)
		}
	}
}

func TestParse_GreedyLastKeepsSpaces(t *testing.T) {
	p1 := NewPositional("p1", "", true)
	p2 := NewPositional("p2", "", true)
	list := Of(p1, p2)

	got, err := list.Parse("ar   gu   men   t")
	require.NoError(t, err)
	assert.Equal(t, "ar", got.Value(p1))
	assert.Equal(t, "gu   men   t", got.Value(p2))
}

func TestParse_NamedPlacement(t *testing.T) {
	n1 := NewNamed("n1", "", false)
	p1 := NewPositional("p1", "", false)
	p2 := NewPositional("p2", "", false)
	list := Of(n1, p1, p2)

	tests := []struct {
		name  string
		input string
		n1    string
		p1    string
		p2    string
	}{
		{name: "named first", input: "--n1 value first second part", n1: "value", p1: "first", p2: "second part"},
		{name: "named last", input: "first second part --n1 value", n1: "value", p1: "first", p2: "second part"},
		{name: "case-insensitive name", input: "--N1 value first", n1: "value", p1: "first"},
		{name: "extra spaces before value", input: "--n1   value first", n1: "value", p1: "first"},
		{name: "trailing spaces trimmed from run", input: "a b c   --n1 v", n1: "v", p1: "a", p2: "b c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := list.Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.n1, got.Value(n1))
			assert.Equal(t, tt.p1, got.Value(p1))
			assert.Equal(t, tt.p2, got.Value(p2))
		})
	}
}

func TestParse_SplitPositionalRunIsError(t *testing.T) {
	n1 := NewNamed("n1", "", false)
	p1 := NewPositional("p1", "", false)
	list := Of(n1, p1)

	_, err := list.Parse("argu ment --n1 argument argu ment")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooMany)
	assert.EqualError(t, err, "too many arguments")
}

func TestParse_Errors(t *testing.T) {
	target := NewPositional("target", "", true)
	reason := NewPositional("reason", "", false)
	every := NewNamed("every", "", false)
	list := Of(target, reason, every)

	mandatoryNamed := NewNamed("channel", "", true)
	withNamed := Of(NewPositional("text", "", false), mandatoryNamed)

	tests := []struct {
		name  string
		list  *ParameterList
		input string
		kind  error
		msg   string
	}{
		{name: "missing positional", list: list, input: "", kind: ErrMissing, msg: "missing argument: target"},
		{name: "missing positional after named", list: list, input: "--every 5m", kind: ErrMissing, msg: "missing argument: target"},
		{name: "missing named", list: withNamed, input: "hello", kind: ErrMissing, msg: "missing argument: --channel"},
		{name: "unknown named", list: list, input: "x --bogus 1", kind: ErrInvalid, msg: "invalid argument: --bogus"},
		{name: "trailing named", list: list, input: "x --every", kind: ErrNoValue, msg: "argument without value: --every"},
		{name: "named followed by named", list: list, input: "x --every --every 1", kind: ErrNoValue, msg: "argument without value: --every"},
		{name: "too many", list: Of(NewPositional("only", "", true), every), input: "a --every 1 b", kind: ErrTooMany, msg: "too many arguments"},
		{name: "input against empty list", list: None, input: "anything", kind: ErrTooMany, msg: "too many arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.list.Parse(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.EqualError(t, err, tt.msg)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
		})
	}
}

func TestParse_EmptyInput(t *testing.T) {
	got, err := None.Parse("")
	require.NoError(t, err)
	assert.Same(t, Empty, got)

	opt := NewPositional("opt", "", false).WithDefault("fallback")
	got, err = Of(opt).Parse("   ")
	require.NoError(t, err)
	assert.Same(t, Empty, got)
	assert.Equal(t, "fallback", got.Value(opt))
	assert.False(t, got.Has(opt))
}

func TestParse_DashTokensAreNotNamed(t *testing.T) {
	text := NewPositional("text", "", true)
	got, err := Of(text).Parse("-5 -- ---x")
	require.NoError(t, err)
	assert.Equal(t, "-5 -- ---x", got.Value(text))
}

func TestArgument_Coercions(t *testing.T) {
	pid := NewPositional("pid", "", true)
	list := Of(pid)

	got, err := list.Parse("42")
	require.NoError(t, err)
	n, err := got.Int(pid)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	n64, err := got.Int64(pid)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n64)

	got, err = list.Parse("forty")
	require.NoError(t, err)
	_, err = got.Int(pid)
	assert.ErrorIs(t, err, ErrNotNumber)
	assert.EqualError(t, err, "not a number: pid")
}

func TestNew_DeclarationErrors(t *testing.T) {
	_, err := New(NewPositional("a", "", false), NewPositional("b", "", true))
	assert.Error(t, err)

	_, err = New(NewPositional("x", "", true), NewNamed("X", "", false))
	assert.Error(t, err)

	_, err = New(NewPositional("", "", true))
	assert.Error(t, err)

	assert.Panics(t, func() { Of(nil) })
}

func TestUsage(t *testing.T) {
	list := Of(
		NewPositional("in", "", true),
		NewPositional("text", "", true),
		NewNamed("every", "", false),
	)
	assert.Equal(t, "<in> <text...> [--every <value>]", list.Usage())
}
