package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func createContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("create", flag.ContinueOnError)
	set.String("cwd", ".", "")
	set.String("model", "", "")
	set.String("approval-policy", "", "")
	set.String("system-prompt", "", "")
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestCreateParamsResolvesCwd(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	p, err := createParams(createContext(t, "bot"))
	require.NoError(t, err)
	require.Equal(t, "bot", p.Name)
	require.Equal(t, wd, p.Cwd)

	p, err = createParams(createContext(t, "--cwd", "work/repo", "--model", "o3", "bot"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(wd, "work", "repo"), p.Cwd)
	require.Equal(t, "o3", p.Model)

	p, err = createParams(createContext(t, "--cwd", "/srv/app", "bot"))
	require.NoError(t, err)
	require.Equal(t, "/srv/app", p.Cwd)
}

func TestCreateParamsRequiresName(t *testing.T) {
	_, err := createParams(createContext(t))
	require.EqualError(t, err, "missing <name>")
}
