package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/hack-pad/hackspawn/internal/log"
	"github.com/hack-pad/hackspawn/internal/spawn"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type runOptions struct {
	actions       []spawn.Action
	pgroup        int
	setsid        bool
	resetIDs      bool
	sigmask       string
	sigdefault    string
	rlimits       []string
	schedPolicy   string
	schedPriority int
	useFork       bool
	env           []string
	clearEnv      bool
	tty           bool
	noWait        bool
}

func newRunCommand() *cobra.Command {
	return (&runOptions{}).command()
}

func (o *runOptions) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [options] -- PROGRAM [ARG...]",
		Short: "Spawn PROGRAM and wait for it",
		Long: `Spawn PROGRAM with the given file actions and attributes, then wait for it and exit with its status.

PROGRAM is used as given, it is not searched for in $PATH. File actions are applied
in command line order. Exits 125 if the spawn itself fails and 127 if PROGRAM
could not be executed.`,
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
		Example: `  hackspawn run --open 1:/dev/null:wronly --dup2 1:2 -- /bin/ls /missing
  hackspawn run --chdir /tmp --rlimit nofile=64 -- /bin/sh -c 'ulimit -n; pwd'
  hackspawn run --tty -- /bin/sh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := o.run(args)
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.Var(&actionFlag{name: "open", parse: parseOpen, actions: &o.actions}, "open", "Open PATH on FD, as FD:PATH[:FLAGS[:MODE]]")
	flags.Var(&actionFlag{name: "dup2", parse: parseDup2, actions: &o.actions}, "dup2", "Duplicate FD onto NEWFD, as FD:NEWFD")
	flags.Var(&actionFlag{name: "close", parse: parseClose, actions: &o.actions}, "close", "Close FD")
	flags.Var(&actionFlag{name: "chdir", parse: parseChdir, actions: &o.actions}, "chdir", "Change directory")
	flags.Var(&actionFlag{name: "fchdir", parse: parseFchdir, actions: &o.actions}, "fchdir", "Change directory to the one open on FD")
	flags.IntVar(&o.pgroup, "pgroup", -1, "Move the child into process group PGID, 0 for a new group")
	flags.BoolVar(&o.setsid, "setsid", false, "Start the child in a new session")
	flags.BoolVar(&o.resetIDs, "resetids", false, "Reset effective ids to the real ids")
	flags.StringVar(&o.sigmask, "sigmask", "", `Signals blocked in the child, e.g. "INT,TERM" or "all"`)
	flags.StringVar(&o.sigdefault, "sigdefault", "", "Signals reset to their default action")
	flags.StringArrayVar(&o.rlimits, "rlimit", nil, "Resource limit NAME=CUR[:MAX], e.g. nofile=1024 or stack=8MiB")
	flags.StringVar(&o.schedPolicy, "sched-policy", "", "Scheduling policy: other, fifo, rr, batch, idle")
	flags.IntVar(&o.schedPriority, "sched-priority", 0, "Scheduling priority")
	flags.BoolVar(&o.useFork, "fork", false, "Always fully duplicate the caller")
	flags.StringArrayVarP(&o.env, "env", "e", nil, "Add KEY=VALUE to the environment")
	flags.BoolVar(&o.clearEnv, "clear-env", false, "Start from an empty environment")
	flags.BoolVarP(&o.tty, "tty", "t", false, "Attach the child to a new pseudo terminal")
	flags.BoolVar(&o.noWait, "no-wait", false, "Print the child's pid and exit without waiting")
	return cmd
}

func (o *runOptions) attributes() (*spawn.Attributes, error) {
	attr := &spawn.Attributes{}
	if o.useFork {
		attr.Flags |= spawn.UseFork
	}
	if o.pgroup >= 0 {
		attr.Flags |= spawn.SetPgroup
		attr.Pgroup = o.pgroup
	}
	if o.setsid {
		attr.Flags |= spawn.SetSid
	}
	if o.resetIDs {
		attr.Flags |= spawn.ResetIDs
	}
	if o.sigmask != "" {
		mask, err := parseSigset(o.sigmask)
		if err != nil {
			return nil, err
		}
		attr.Flags |= spawn.SetSigMask
		attr.SigMask = mask
	}
	if o.sigdefault != "" {
		set, err := parseSigset(o.sigdefault)
		if err != nil {
			return nil, err
		}
		attr.Flags |= spawn.SetSigDefault
		attr.SigDefault = set
	}
	if o.schedPolicy != "" {
		policy, err := parseSchedPolicy(o.schedPolicy)
		if err != nil {
			return nil, err
		}
		attr.Flags |= spawn.SetScheduler
		attr.SchedPolicy = policy
		attr.SchedPriority = o.schedPriority
	} else if o.schedPriority != 0 {
		attr.Flags |= spawn.SetSchedParam
		attr.SchedPriority = o.schedPriority
	}
	for _, s := range o.rlimits {
		resource, limit, err := parseRlimit(s)
		if err != nil {
			return nil, err
		}
		if err := attr.SetRlimit(resource, limit.Cur, limit.Max); err != nil {
			return nil, err
		}
		attr.Flags |= spawn.SetRlimit
		log.Debugf("rlimit %s: cur=%s max=%s", rlimitName(resource), formatRlimitValue(resource, limit.Cur), formatRlimitValue(resource, limit.Max))
	}
	return attr, nil
}

func (o *runOptions) environ() []string {
	var env []string
	if !o.clearEnv {
		env = os.Environ()
	}
	return append(env, o.env...)
}

func (o *runOptions) run(args []string) (int, error) {
	attr, err := o.attributes()
	if err != nil {
		return 0, err
	}

	list := o.actions
	var session *ttySession
	if o.tty {
		session, err = openTTY()
		if err != nil {
			return 0, err
		}
		defer session.Close()
		// the terminal goes first so explicit actions can still redirect stdio
		list = append(session.actions(), list...)
		attr.Flags |= spawn.SetSid
	}
	actions, err := buildActions(list)
	if err != nil {
		return 0, err
	}

	engine, err := spawn.Default()
	if err != nil {
		return 0, err
	}
	env := o.environ()
	if env == nil {
		env = []string{}
	}
	pid, err := engine.Spawn(args[0], actions, attr, args, env)
	if err != nil {
		if cannotExecute(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitCannotExecute, nil
		}
		return 0, err
	}
	log.Debugf("Started %s", pid)

	if o.noWait {
		fmt.Println(pid)
		return 0, nil
	}
	if session != nil {
		if err := session.attach(); err != nil {
			return 0, err
		}
	}
	code, err := waitChild(engine, pid)
	return code, errors.Wrapf(err, "wait for %s", pid)
}

func cannotExecute(err error) bool {
	for _, code := range []syscall.Errno{syscall.ENOENT, syscall.EACCES, syscall.ENOEXEC} {
		if errors.Is(err, code) {
			return true
		}
	}
	return false
}
