package mainboilerplate

import (
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

type noopCmd struct{}

func (noopCmd) Execute([]string) error { return nil }

func TestCommandRegistryNesting(t *testing.T) {
	var cr = NewCommandRegistry()
	cr.AddCommand("", "top", "Top", "", &noopCmd{})
	cr.AddCommand("results", "list", "List", "", &noopCmd{})
	cr.AddCommand("results.list", "deep", "Deep", "", &noopCmd{})

	var parser = flags.NewParser(nil, flags.None)
	var _, err = parser.AddCommand("results", "Results", "", &struct{}{})
	require.NoError(t, err)

	require.NoError(t, cr.AddCommands("", parser.Command, true))

	require.NotNil(t, parser.Find("top"))
	var list = parser.Find("results").Find("list")
	require.NotNil(t, list)
	require.NotNil(t, list.Find("deep"))
}

func TestCommandRegistryNonRecursive(t *testing.T) {
	var cr = NewCommandRegistry()
	cr.AddCommand("results", "list", "List", "", &noopCmd{})

	var parser = flags.NewParser(nil, flags.None)
	var _, err = parser.AddCommand("results", "Results", "", &struct{}{})
	require.NoError(t, err)

	require.NoError(t, cr.AddCommands("", parser.Command, false))
	require.Nil(t, parser.Find("results").Find("list"))
}
