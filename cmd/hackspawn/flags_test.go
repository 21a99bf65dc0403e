package main

import (
	"bytes"
	"os"
	"syscall"
	"testing"

	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/hack-pad/hackspawn/internal/spawn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOpen(t *testing.T) {
	for _, tc := range []struct {
		input     string
		expect    spawn.Action
		expectErr bool
	}{
		{input: "1:/dev/null", expect: spawn.Action{Kind: spawn.ActionOpen, FD: 1, Path: "/dev/null", Flags: os.O_RDONLY, Mode: 0644}},
		{input: "3:/tmp/out:wronly,creat,trunc", expect: spawn.Action{Kind: spawn.ActionOpen, FD: 3, Path: "/tmp/out", Flags: os.O_WRONLY | os.O_CREATE | os.O_TRUNC, Mode: 0644}},
		{input: "3:/tmp/out:O_RDWR,O_APPEND:600", expect: spawn.Action{Kind: spawn.ActionOpen, FD: 3, Path: "/tmp/out", Flags: os.O_RDWR | os.O_APPEND, Mode: 0600}},
		{input: "3:/tmp/out::600", expect: spawn.Action{Kind: spawn.ActionOpen, FD: 3, Path: "/tmp/out", Flags: os.O_RDONLY, Mode: 0600}},
		{input: "1", expectErr: true},
		{input: "1:", expectErr: true},
		{input: "-1:/dev/null", expectErr: true},
		{input: "1:/dev/null:bogus", expectErr: true},
		{input: "1:/dev/null:rdonly:9", expectErr: true},
	} {
		t.Run(tc.input, func(t *testing.T) {
			action, err := parseOpen(tc.input)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expect, action)
		})
	}
}

func TestParseDup2(t *testing.T) {
	action, err := parseDup2("1:2")
	require.NoError(t, err)
	assert.Equal(t, spawn.Action{Kind: spawn.ActionDup2, FD: 1, NewFD: 2}, action)

	for _, input := range []string{"1", "1:x", "x:1", "1:-2"} {
		_, err := parseDup2(input)
		assert.Error(t, err, input)
	}
}

func TestParseRlimit(t *testing.T) {
	for _, tc := range []struct {
		input          string
		expectResource int
		expectLimit    spawn.Rlimit
		expectErr      bool
	}{
		{input: "nofile=64", expectResource: 7, expectLimit: spawn.Rlimit{Cur: 64, Max: 64}},
		{input: "NOFILE=64:1024", expectResource: 7, expectLimit: spawn.Rlimit{Cur: 64, Max: 1024}},
		{input: "stack=8MiB:unlimited", expectResource: 3, expectLimit: spawn.Rlimit{Cur: 8 << 20, Max: unlimited}},
		{input: "as=1GiB", expectResource: 9, expectLimit: spawn.Rlimit{Cur: 1 << 30, Max: 1 << 30}},
		{input: "cpu=infinity", expectResource: 0, expectLimit: spawn.Rlimit{Cur: unlimited, Max: unlimited}},
		{input: "nofile=8MiB", expectErr: true},
		{input: "bogus=1", expectErr: true},
		{input: "nofile", expectErr: true},
	} {
		t.Run(tc.input, func(t *testing.T) {
			resource, limit, err := parseRlimit(tc.input)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectResource, resource)
			assert.Equal(t, tc.expectLimit, limit)
		})
	}
}

func TestFormatRlimitValue(t *testing.T) {
	assert.Equal(t, "unlimited", formatRlimitValue(3, unlimited))
	assert.Equal(t, "8.0 MiB", formatRlimitValue(3, 8<<20))
	assert.Equal(t, "1,024", formatRlimitValue(7, 1024))
	assert.Equal(t, "stack", rlimitName(3))
	assert.Equal(t, "99", rlimitName(99))
}

func TestParseSigset(t *testing.T) {
	set, err := parseSigset("INT,sigterm,10")
	require.NoError(t, err)
	assert.True(t, set.Has(syscall.Signal(2)))
	assert.True(t, set.Has(syscall.Signal(15)))
	assert.True(t, set.Has(syscall.Signal(10)))
	assert.False(t, set.Has(syscall.Signal(9)))

	set, err = parseSigset("all")
	require.NoError(t, err)
	assert.Equal(t, spawn.FullSigset(), set)

	set, err = parseSigset("none")
	require.NoError(t, err)
	assert.Zero(t, set)

	_, err = parseSigset("NOPE")
	assert.Error(t, err)
	_, err = parseSigset("65")
	assert.Error(t, err)
}

func TestParseSchedPolicy(t *testing.T) {
	policy, err := parseSchedPolicy("RR")
	require.NoError(t, err)
	assert.Equal(t, 2, policy)

	_, err = parseSchedPolicy("deadline")
	assert.EqualError(t, err, `unknown scheduling policy "deadline", expected one of batch, fifo, idle, other, rr`)
}

func TestActionFlagsKeepOrder(t *testing.T) {
	opts := &runOptions{}
	cmd := opts.command()
	require.NoError(t, cmd.ParseFlags([]string{
		"--open", "1:/dev/null:wronly",
		"--chdir", "/tmp",
		"--dup2", "1:2",
		"--close", "0",
		"--fchdir", "3",
		"--open", "4:log:wronly,creat",
	}))
	var kinds []spawn.ActionKind
	for _, action := range opts.actions {
		kinds = append(kinds, action.Kind)
	}
	assert.Equal(t, []spawn.ActionKind{
		spawn.ActionOpen, spawn.ActionChdir, spawn.ActionDup2, spawn.ActionClose, spawn.ActionFchdir, spawn.ActionOpen,
	}, kinds)

	actions, err := buildActions(opts.actions)
	require.NoError(t, err)
	assert.Equal(t, 6, actions.Len())
	assert.Equal(t, opts.actions, actions.List())

	first, last := opts.actions[0], opts.actions[5]
	assert.Equal(t, "["+first.String()+","+last.String()+"]", cmd.Flags().Lookup("open").Value.String())
	assert.Equal(t, "[close(0)]", cmd.Flags().Lookup("close").Value.String())
}

func TestRunAttributes(t *testing.T) {
	opts := &runOptions{}
	cmd := opts.command()
	require.NoError(t, cmd.ParseFlags([]string{
		"--pgroup", "0",
		"--sigmask", "INT",
		"--sigdefault", "all",
		"--rlimit", "nofile=64",
		"--rlimit", "stack=8MiB:16MiB",
		"--sched-priority", "5",
		"--fork",
	}))
	attr, err := opts.attributes()
	require.NoError(t, err)
	assert.Equal(t, spawn.UseFork|spawn.SetPgroup|spawn.SetSigMask|spawn.SetSigDefault|spawn.SetSchedParam|spawn.SetRlimit, attr.Flags)
	assert.Zero(t, attr.Pgroup)
	assert.True(t, attr.SigMask.Has(syscall.Signal(2)))
	assert.Equal(t, spawn.FullSigset(), attr.SigDefault)
	assert.Equal(t, []int{3, 7}, attr.Rlimits())
	stack, ok := attr.Rlimit(3)
	require.True(t, ok)
	assert.Equal(t, spawn.Rlimit{Cur: 8 << 20, Max: 16 << 20}, stack)
	assert.Equal(t, 5, attr.SchedPriority)
}

func TestRunDefaultAttributes(t *testing.T) {
	opts := &runOptions{}
	require.NoError(t, opts.command().ParseFlags(nil))
	attr, err := opts.attributes()
	require.NoError(t, err)
	assert.Zero(t, attr.Flags)
}

func TestEnviron(t *testing.T) {
	t.Setenv("HACKSPAWN_TEST", "1")
	opts := &runOptions{env: []string{"A=b"}}
	env := opts.environ()
	assert.Contains(t, env, "HACKSPAWN_TEST=1")
	assert.Equal(t, "A=b", env[len(env)-1])

	opts.clearEnv = true
	assert.Equal(t, []string{"A=b"}, opts.environ())
}

func TestCannotExecute(t *testing.T) {
	assert.True(t, cannotExecute(syscall.ENOENT))
	assert.True(t, cannotExecute(syscall.ENOEXEC))
	assert.False(t, cannotExecute(syscall.EBADF))
}

func TestPrintSideband(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSideband(&buf, nil))
	assert.Equal(t, "Not started by an image-creating spawn\n", buf.String())

	buf.Reset()
	require.NoError(t, printSideband(&buf, &spawn.Sideband{
		Descriptors: []fs.Descriptor{
			{Kind: fs.KindDevice, Handle: 5},
			{},
			{Kind: fs.KindNull, Flags: 1, Handle: 7},
		},
		Mask:           1 << 1,
		ParentPID:      10,
		GrandparentPID: 1,
	}))
	assert.Equal(t, `Parent:      10
Grandparent: 1
Signal mask: 0x2
   0  device handle=5 flags=0 mode=0
   2  null handle=7 flags=01 mode=0
`, buf.String())
}
