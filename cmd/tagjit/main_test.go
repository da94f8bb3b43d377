package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/chazu/tagjit/jit"
	"github.com/chazu/tagjit/journal"
	"github.com/chazu/tagjit/vm"
)

var shapes = filepath.Join("..", "..", "image", "testdata", "shapes.yaml")

func cliContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func withFlags(t *testing.T, policy, db string, opt, thresh int) {
	t.Helper()
	policyPath, journalDB, optLevel, threshold = policy, db, opt, thresh
	t.Cleanup(func() { policyPath, journalDB, optLevel, threshold = "", "", -1, 0 })
}

func TestOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tagjit.toml")
	require.NoError(t, os.WriteFile(path, []byte("[compile]\nopt-level = 2\nthreshold = 5\n"), 0644))

	withFlags(t, path, "", -1, 0)
	opts, err := options()
	require.NoError(t, err)
	assert.Equal(t, jit.OptFold, opts.OptLevel)
	assert.Equal(t, 5, opts.Threshold)

	withFlags(t, path, "", 0, 2)
	opts, err = options()
	require.NoError(t, err)
	assert.Equal(t, jit.OptEager, opts.OptLevel)
	assert.Equal(t, 2, opts.Threshold)

	withFlags(t, path, "", 7, 0)
	_, err = options()
	assert.Error(t, err)
}

func TestSessionRunsImage(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "tagjit.toml")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	db := filepath.Join(dir, "events.db")
	withFlags(t, empty, db, -1, 0)

	ctx := context.Background()
	s, err := newSession(ctx, cliContext(t, shapes))
	require.NoError(t, err)

	recv, err := s.program.Receiver()
	require.NoError(t, err)
	got, err := s.program.Run(recv)
	require.NoError(t, err)
	assert.Equal(t, vm.FromSmallInt(75), got)
	assert.Equal(t, "75", format(got))
	assert.Positive(t, s.manager.Stats().Compiled)
	s.close()

	j, err := journal.Open(db)
	require.NoError(t, err)
	defer j.Close()
	sum, err := j.Summary(ctx)
	require.NoError(t, err)
	assert.Positive(t, sum["success"])
	assert.Zero(t, sum["failure"])
}

func TestMissingImageArgument(t *testing.T) {
	_, err := loadImage(cliContext(t))
	assert.EqualError(t, err, "missing IMAGE argument")
}

func TestColorize(t *testing.T) {
	color.NoColor = true
	assert.Equal(t, "0004  SEND_PLUS", colorize("0004  SEND_PLUS"))
	assert.Equal(t, "catch rescue", colorize("catch rescue"))
	assert.Equal(t, `"x"`, format(vm.NewString("x")))
}
