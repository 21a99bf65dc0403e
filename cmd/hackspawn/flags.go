package main

import (
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/hack-pad/hackspawn/internal/spawn"
	"github.com/pkg/errors"
)

const unlimited = math.MaxUint64

var openFlagNames = map[string]int{
	"rdonly": os.O_RDONLY,
	"wronly": os.O_WRONLY,
	"rdwr":   os.O_RDWR,
	"append": os.O_APPEND,
	"creat":  os.O_CREATE,
	"excl":   os.O_EXCL,
	"sync":   os.O_SYNC,
	"trunc":  os.O_TRUNC,
}

// Resource numbers use the linux numbering, which is what the fork driver passes to prlimit.
var rlimitNames = map[string]int{
	"cpu":        0,
	"fsize":      1,
	"data":       2,
	"stack":      3,
	"core":       4,
	"rss":        5,
	"nproc":      6,
	"nofile":     7,
	"memlock":    8,
	"as":         9,
	"locks":      10,
	"sigpending": 11,
	"msgqueue":   12,
	"nice":       13,
	"rtprio":     14,
	"rttime":     15,
}

// byteRlimits are measured in bytes and accept sizes like 8MiB.
var byteRlimits = map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 8: true, 9: true, 12: true}

var signalNames = map[string]syscall.Signal{
	"HUP": 1, "INT": 2, "QUIT": 3, "ILL": 4, "TRAP": 5, "ABRT": 6, "BUS": 7, "FPE": 8,
	"KILL": 9, "USR1": 10, "SEGV": 11, "USR2": 12, "PIPE": 13, "ALRM": 14, "TERM": 15,
	"CHLD": 17, "CONT": 18, "STOP": 19, "TSTP": 20, "TTIN": 21, "TTOU": 22, "URG": 23,
	"XCPU": 24, "XFSZ": 25, "VTALRM": 26, "PROF": 27, "WINCH": 28, "IO": 29, "SYS": 31,
}

var schedPolicyNames = map[string]int{
	"other": 0,
	"fifo":  1,
	"rr":    2,
	"batch": 3,
	"idle":  5,
}

func parseFD(s string) (int, error) {
	fd, err := strconv.Atoi(s)
	if err != nil || fd < 0 {
		return 0, errors.Errorf("invalid descriptor %q", s)
	}
	return fd, nil
}

func parseOpenFlags(s string) (int, error) {
	flags := 0
	for _, name := range strings.Split(s, ",") {
		flag, ok := openFlagNames[strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "o_")]
		if !ok {
			return 0, errors.Errorf("unknown open flag %q", name)
		}
		flags |= flag
	}
	return flags, nil
}

// parseOpen parses FD:PATH[:FLAGS[:MODE]]. FLAGS is a comma separated list like wronly,creat,trunc and MODE is octal.
func parseOpen(s string) (spawn.Action, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 2 || parts[1] == "" {
		return spawn.Action{}, errors.Errorf("expected FD:PATH[:FLAGS[:MODE]], got %q", s)
	}
	fd, err := parseFD(parts[0])
	if err != nil {
		return spawn.Action{}, err
	}
	action := spawn.Action{Kind: spawn.ActionOpen, FD: fd, Path: parts[1], Flags: os.O_RDONLY, Mode: 0644}
	if len(parts) > 2 && parts[2] != "" {
		if action.Flags, err = parseOpenFlags(parts[2]); err != nil {
			return spawn.Action{}, err
		}
	}
	if len(parts) > 3 {
		mode, err := strconv.ParseUint(parts[3], 8, 32)
		if err != nil {
			return spawn.Action{}, errors.Errorf("invalid mode %q", parts[3])
		}
		action.Mode = uint32(mode)
	}
	return action, nil
}

// parseDup2 parses FD:NEWFD.
func parseDup2(s string) (spawn.Action, error) {
	from, to, ok := strings.Cut(s, ":")
	if !ok {
		return spawn.Action{}, errors.Errorf("expected FD:NEWFD, got %q", s)
	}
	fd, err := parseFD(from)
	if err != nil {
		return spawn.Action{}, err
	}
	newfd, err := parseFD(to)
	if err != nil {
		return spawn.Action{}, err
	}
	return spawn.Action{Kind: spawn.ActionDup2, FD: fd, NewFD: newfd}, nil
}

func parseClose(s string) (spawn.Action, error) {
	fd, err := parseFD(s)
	return spawn.Action{Kind: spawn.ActionClose, FD: fd}, err
}

func parseChdir(s string) (spawn.Action, error) {
	if s == "" {
		return spawn.Action{}, errors.New("empty directory")
	}
	return spawn.Action{Kind: spawn.ActionChdir, Path: s}, nil
}

func parseFchdir(s string) (spawn.Action, error) {
	fd, err := parseFD(s)
	return spawn.Action{Kind: spawn.ActionFchdir, FD: fd}, err
}

func parseRlimitValue(resource int, s string) (uint64, error) {
	if s == "unlimited" || s == "infinity" {
		return unlimited, nil
	}
	if byteRlimits[resource] {
		return humanize.ParseBytes(s)
	}
	return strconv.ParseUint(s, 10, 64)
}

// parseRlimit parses NAME=CUR[:MAX]. A missing MAX equals CUR.
func parseRlimit(s string) (resource int, limit spawn.Rlimit, err error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return 0, limit, errors.Errorf("expected NAME=CUR[:MAX], got %q", s)
	}
	resource, ok = rlimitNames[strings.ToLower(name)]
	if !ok {
		return 0, limit, errors.Errorf("unknown resource %q", name)
	}
	cur, max, hasMax := strings.Cut(value, ":")
	if limit.Cur, err = parseRlimitValue(resource, cur); err != nil {
		return 0, limit, errors.Wrapf(err, "resource %s", name)
	}
	limit.Max = limit.Cur
	if hasMax {
		if limit.Max, err = parseRlimitValue(resource, max); err != nil {
			return 0, limit, errors.Wrapf(err, "resource %s", name)
		}
	}
	return resource, limit, nil
}

func rlimitName(resource int) string {
	for name, res := range rlimitNames {
		if res == resource {
			return name
		}
	}
	return strconv.Itoa(resource)
}

func formatRlimitValue(resource int, v uint64) string {
	switch {
	case v == unlimited:
		return "unlimited"
	case byteRlimits[resource]:
		return humanize.IBytes(v)
	default:
		return humanize.Comma(int64(v))
	}
}

func parseSignal(s string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return syscall.Signal(n), nil
	}
	sig, ok := signalNames[strings.TrimPrefix(strings.ToUpper(s), "SIG")]
	if !ok {
		return 0, errors.Errorf("unknown signal %q", s)
	}
	return sig, nil
}

// parseSigset parses a comma separated list of signal names or numbers, or "all".
func parseSigset(s string) (spawn.Sigset, error) {
	if s == "all" {
		return spawn.FullSigset(), nil
	}
	var set spawn.Sigset
	if s == "" || s == "none" {
		return set, nil
	}
	for _, name := range strings.Split(s, ",") {
		sig, err := parseSignal(strings.TrimSpace(name))
		if err != nil {
			return 0, err
		}
		if err := set.Add(sig); err != nil {
			return 0, errors.Errorf("signal %q out of range", name)
		}
	}
	return set, nil
}

func parseSchedPolicy(s string) (int, error) {
	if policy, ok := schedPolicyNames[strings.ToLower(s)]; ok {
		return policy, nil
	}
	names := make([]string, 0, len(schedPolicyNames))
	for name := range schedPolicyNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return 0, errors.Errorf("unknown scheduling policy %q, expected one of %s", s, strings.Join(names, ", "))
}

// actionFlag is a repeatable flag that appends to a list shared by every action flag, keeping command line order.
type actionFlag struct {
	name    string
	parse   func(string) (spawn.Action, error)
	actions *[]spawn.Action
}

func (f *actionFlag) String() string {
	var values []string
	for _, action := range *f.actions {
		if action.Kind.String() == f.name {
			values = append(values, action.String())
		}
	}
	return "[" + strings.Join(values, ",") + "]"
}

func (f *actionFlag) Set(s string) error {
	action, err := f.parse(s)
	if err != nil {
		return err
	}
	*f.actions = append(*f.actions, action)
	return nil
}

func (f *actionFlag) Type() string {
	return f.name
}

func buildActions(list []spawn.Action) (*spawn.Actions, error) {
	actions := spawn.NewActions()
	for _, action := range list {
		var err error
		switch action.Kind {
		case spawn.ActionClose:
			err = actions.AddClose(action.FD)
		case spawn.ActionDup2:
			err = actions.AddDup2(action.FD, action.NewFD)
		case spawn.ActionOpen:
			err = actions.AddOpen(action.Path, action.Flags, action.Mode, action.FD)
		case spawn.ActionChdir:
			err = actions.AddChdir(action.Path)
		case spawn.ActionFchdir:
			err = actions.AddFchdir(action.FD)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "add %s", action)
		}
	}
	return actions, nil
}
