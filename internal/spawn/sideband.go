package spawn

import (
	"strconv"
	"strings"

	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/pkg/errors"
)

// Environment entries read by a child runtime before user code runs.
const (
	EnvDescriptors = "_HACKSPAWN_FDS"
	EnvMask        = "_HACKSPAWN_MASK"
	EnvParents     = "_HACKSPAWN_PPID"
)

const sidebandVersion = "1"

// Sideband is the state a child cannot inherit by duplication.
type Sideband struct {
	// Descriptors is indexed by descriptor number.
	Descriptors []fs.Descriptor
	Mask        Sigset
	ParentPID   common.PID
	// GrandparentPID is the parent's own parent.
	GrandparentPID common.PID
}

// Environ returns env without any sideband entries, followed by the encoded sideband.
func (s *Sideband) Environ(env []string) []string {
	result := make([]string, 0, len(env)+3)
	for _, kv := range env {
		if !isSidebandEntry(kv) {
			result = append(result, kv)
		}
	}
	return append(result,
		EnvDescriptors+"="+encodeDescriptors(s.Descriptors),
		EnvMask+"="+strconv.FormatUint(uint64(s.Mask), 10),
		EnvParents+"="+s.ParentPID.String()+":"+s.GrandparentPID.String(),
	)
}

func isSidebandEntry(kv string) bool {
	for _, key := range []string{EnvDescriptors, EnvMask, EnvParents} {
		if strings.HasPrefix(kv, key+"=") {
			return true
		}
	}
	return false
}

func encodeDescriptors(descriptors []fs.Descriptor) string {
	var s strings.Builder
	s.WriteString(sidebandVersion)
	for fd, d := range descriptors {
		if d.Empty() {
			continue
		}
		s.WriteByte(';')
		s.WriteString(strconv.Itoa(fd))
		s.WriteByte(',')
		s.WriteString(strconv.FormatUint(uint64(d.Kind), 10))
		s.WriteByte(',')
		s.WriteString(strconv.FormatUint(uint64(uint32(d.Flags)), 10))
		s.WriteByte(',')
		s.WriteString(strconv.FormatUint(uint64(d.Mode), 10))
		s.WriteByte(',')
		s.WriteString(strconv.FormatUint(uint64(d.Handle), 10))
	}
	return s.String()
}

func decodeDescriptors(value string) ([]fs.Descriptor, error) {
	records := strings.Split(value, ";")
	if records[0] != sidebandVersion {
		return nil, errors.Errorf("unsupported descriptor encoding version %q", records[0])
	}
	var descriptors []fs.Descriptor
	for _, record := range records[1:] {
		fields := strings.Split(record, ",")
		if len(fields) != 5 {
			return nil, errors.Errorf("malformed descriptor record %q", record)
		}
		var nums [5]uint64
		for i, field := range fields {
			n, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "malformed descriptor record %q", record)
			}
			nums[i] = n
		}
		fd, kind, flags, mode := nums[0], fs.Kind(nums[1]), nums[2], nums[3]
		if fd >= maxDescriptors || nums[1] > uint64(fs.KindNull) || kind == fs.KindEmpty || flags > 1<<32-1 || mode > 1<<32-1 {
			return nil, errors.Errorf("descriptor record out of range %q", record)
		}
		if int(fd) < len(descriptors) && !descriptors[fd].Empty() {
			return nil, errors.Errorf("duplicate descriptor %d", fd)
		}
		if int(fd) >= len(descriptors) {
			grown := make([]fs.Descriptor, fd+1)
			copy(grown, descriptors)
			descriptors = grown
		}
		descriptors[fd] = fs.Descriptor{
			Kind:   kind,
			Flags:  int(int32(uint32(flags))),
			Mode:   uint32(mode),
			Handle: fs.Handle(nums[4]),
		}
	}
	return descriptors, nil
}

// Inherited decodes the sideband from a child's environment. It returns nil if the process was not started with one.
func Inherited(environ []string) (*Sideband, error) {
	values := make(map[string]string)
	for _, kv := range environ {
		if isSidebandEntry(kv) {
			i := strings.IndexByte(kv, '=')
			values[kv[:i]] = kv[i+1:]
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	for _, key := range []string{EnvDescriptors, EnvMask, EnvParents} {
		if _, ok := values[key]; !ok {
			return nil, errors.Errorf("incomplete sideband: missing %s", key)
		}
	}

	var s Sideband
	var err error
	s.Descriptors, err = decodeDescriptors(values[EnvDescriptors])
	if err != nil {
		return nil, err
	}
	mask, err := strconv.ParseUint(values[EnvMask], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed %s", EnvMask)
	}
	s.Mask = Sigset(mask)

	parent, grandparent, ok := strings.Cut(values[EnvParents], ":")
	if !ok {
		return nil, errors.Errorf("malformed %s %q", EnvParents, values[EnvParents])
	}
	ppid, err := strconv.ParseUint(parent, 10, 31)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed %s", EnvParents)
	}
	gppid, err := strconv.ParseUint(grandparent, 10, 31)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed %s", EnvParents)
	}
	s.ParentPID, s.GrandparentPID = common.PID(ppid), common.PID(gppid)
	return &s, nil
}
