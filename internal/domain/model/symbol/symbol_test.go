package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `package demo

import "fmt"

type Greeter struct {
	name string
}

func (g *Greeter) Greet() string {
	return "hi, " + g.name
}

func (g Greeter) shout() string {
	return g.name
}

func Hello() {
	inner := func() {
		fmt.Println("not indexed")
	}
	inner()
}
`

func TestExtractIndexesTopLevelSymbols(t *testing.T) {
	syms, err := Extract([]byte(sample))
	require.NoError(t, err)

	names := make([]string, 0, len(syms))
	for _, s := range syms {
		names = append(names, s.QualifiedName)
	}
	assert.Equal(t, []string{"Greeter", "Greeter.Greet", "Greeter.shout", "Hello"}, names)
}

func TestExtractKindsAndSpans(t *testing.T) {
	syms, err := Extract([]byte(sample))
	require.NoError(t, err)

	greeter, ok := Locate(syms, "Greeter")
	require.True(t, ok)
	assert.Equal(t, KindClass, greeter.Kind)
	assert.Equal(t, 5, greeter.StartLine)
	assert.Equal(t, 7, greeter.EndLine)

	greet, ok := Locate(syms, "Greeter.Greet")
	require.True(t, ok)
	assert.Equal(t, KindMethod, greet.Kind)
	assert.Equal(t, 9, greet.StartLine)
	assert.Equal(t, 11, greet.EndLine)

	hello, ok := Locate(syms, "Hello")
	require.True(t, ok)
	assert.Equal(t, KindFunction, hello.Kind)
	assert.Equal(t, 17, hello.StartLine)
	assert.Equal(t, 22, hello.EndLine)
}

func TestExtractDoesNotIndexNestedFunctions(t *testing.T) {
	syms, err := Extract([]byte(sample))
	require.NoError(t, err)

	_, ok := Locate(syms, "inner")
	assert.False(t, ok, "closures must not be indexed")
	_, ok = Locate(syms, "Hello.inner")
	assert.False(t, ok)
}

func TestExtractReturnsParseErrorOnInvalidSource(t *testing.T) {
	_, err := Extract([]byte("package demo\n\nfunc broken( {\n"))
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Line)
	assert.NotEmpty(t, perr.Msg)
}

func TestLocateMissingSymbol(t *testing.T) {
	syms, err := Extract([]byte(sample))
	require.NoError(t, err)

	_, ok := Locate(syms, "Nope")
	assert.False(t, ok)
}
