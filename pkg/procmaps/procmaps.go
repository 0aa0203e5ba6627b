// Package procmaps reads and queries the memory map of a traced process.
//
// The map is parsed from /proc/<pid>/maps. The file is produced by the
// kernel but describes address space layout chosen by the target, so the
// parser treats individual records as untrusted: malformed records are
// skipped with a warning instead of failing the whole load.
package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/piotrbartman/sandboxed-api/pkg/logflags"
)

// Perms describes the permission column of a map entry.
type Perms uint8

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExec
	PermPrivate
)

// Read returns true if the mapping is readable.
func (p Perms) Read() bool { return p&PermRead != 0 }

// Write returns true if the mapping is writeable.
func (p Perms) Write() bool { return p&PermWrite != 0 }

// Exec returns true if the mapping is executable.
func (p Perms) Exec() bool { return p&PermExec != 0 }

// Private returns true if the mapping is copy-on-write.
func (p Perms) Private() bool { return p&PermPrivate != 0 }

func (p Perms) String() string {
	b := []byte("----")
	if p.Read() {
		b[0] = 'r'
	}
	if p.Write() {
		b[1] = 'w'
	}
	if p.Exec() {
		b[2] = 'x'
	}
	if p.Private() {
		b[3] = 'p'
	} else {
		b[3] = 's'
	}
	return string(b)
}

// Mapping is a single entry of a process memory map, a half-open
// address range [Start, End).
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  Perms
	Offset uint64
	Dev    string
	Inode  uint64

	// Path is the backing file, empty for anonymous mappings.
	// Kernel pseudo entries ([stack], [vdso], ...) are kept verbatim.
	Path string
}

// Contains returns true if addr falls inside the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return m.Start <= addr && addr < m.End
}

// FileBacked returns true if the mapping is backed by an actual file,
// as opposed to anonymous memory or a kernel pseudo entry.
func (m Mapping) FileBacked() bool {
	return m.Path != "" && !strings.HasPrefix(m.Path, "[")
}

func (m Mapping) String() string {
	return fmt.Sprintf("%x-%x %v %x %s", m.Start, m.End, m.Perms, m.Offset, m.Path)
}

// Table is an immutable snapshot of a process memory map, sorted by
// start address with no overlapping entries.
type Table struct {
	mappings []Mapping
	skipped  int
}

// Load reads the memory map of pid.
func Load(pid int) (*Table, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a memory map in /proc/<pid>/maps format. Records that can
// not be parsed, or that overlap a previously accepted record, are
// counted and skipped.
func Parse(r io.Reader) (*Table, error) {
	logger := logflags.MapsLogger()
	t := &Table{}
	scan := bufio.NewScanner(r)
	lineno := 0
	for scan.Scan() {
		lineno++
		line := scan.Text()
		if line == "" {
			continue
		}
		m, err := parseMapsLine(lineno, line)
		if err != nil {
			t.skipped++
			logger.Warnf("skipping %v", err)
			continue
		}
		if last := len(t.mappings) - 1; last >= 0 && m.Start < t.mappings[last].End {
			t.skipped++
			logger.Warnf("skipping entry on line %d: %#x-%#x overlaps %#x-%#x", lineno, m.Start, m.End, t.mappings[last].Start, t.mappings[last].End)
			continue
		}
		t.mappings = append(t.mappings, m)
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// New builds a table from mappings obtained elsewhere (core dumps,
// tests). The entries are sorted and filtered with the same overlap
// rule applied by Parse.
func New(mappings []Mapping) *Table {
	ms := make([]Mapping, len(mappings))
	copy(ms, mappings)
	sort.Slice(ms, func(i, j int) bool { return ms[i].Start < ms[j].Start })
	t := &Table{mappings: make([]Mapping, 0, len(ms))}
	for _, m := range ms {
		if last := len(t.mappings) - 1; last >= 0 && m.Start < t.mappings[last].End {
			t.skipped++
			continue
		}
		t.mappings = append(t.mappings, m)
	}
	return t
}

// Find returns the mapping containing addr.
func (t *Table) Find(addr uint64) (Mapping, bool) {
	i := sort.Search(len(t.mappings), func(i int) bool {
		return addr < t.mappings[i].End
	})
	if i < len(t.mappings) && t.mappings[i].Start <= addr {
		return t.mappings[i], true
	}
	return Mapping{}, false
}

// Mappings returns all accepted entries in ascending order.
func (t *Table) Mappings() []Mapping {
	return t.mappings
}

// ExecutableMappings returns the file-backed executable entries, the
// candidates for symbolization.
func (t *Table) ExecutableMappings() []Mapping {
	r := make([]Mapping, 0, len(t.mappings))
	for _, m := range t.mappings {
		if m.Perms.Exec() && m.FileBacked() {
			r = append(r, m)
		}
	}
	return r
}

// Skipped returns the number of records rejected while loading.
func (t *Table) Skipped() int {
	return t.skipped
}

func parseMapsLine(lineno int, in string) (Mapping, error) {
	var m Mapping

	fields := strings.SplitN(in, " ", 6)
	if len(fields) < 5 {
		return m, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (wrong number of fields)", lineno, in)
	}

	v := strings.Split(fields[0], "-")
	if len(v) != 2 {
		return m, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (bad first field)", lineno, in)
	}
	var err error
	m.Start, err = strconv.ParseUint(v[0], 16, 64)
	if err != nil {
		return m, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
	}
	m.End, err = strconv.ParseUint(v[1], 16, 64)
	if err != nil {
		return m, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
	}
	if m.Start > m.End {
		return m, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (inverted address range)", lineno, in)
	}

	m.Perms, err = parsePerms(fields[1])
	if err != nil {
		return m, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
	}

	m.Offset, err = strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return m, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
	}

	m.Dev = fields[3]

	m.Inode, err = strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return m, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
	}

	if len(fields) > 5 {
		m.Path = strings.TrimLeft(fields[5], " ")
	}
	return m, nil
}

func parsePerms(s string) (Perms, error) {
	// The column is at least "rwxp"; trailing characters are kernel
	// extensions and are ignored.
	if len(s) < 4 {
		return 0, fmt.Errorf("permissions column too short")
	}
	var p Perms
	switch s[0] {
	case 'r':
		p |= PermRead
	case '-':
	default:
		return 0, fmt.Errorf("bad permissions column %q", s)
	}
	switch s[1] {
	case 'w':
		p |= PermWrite
	case '-':
	default:
		return 0, fmt.Errorf("bad permissions column %q", s)
	}
	switch s[2] {
	case 'x':
		p |= PermExec
	case '-':
	default:
		return 0, fmt.Errorf("bad permissions column %q", s)
	}
	switch s[3] {
	case 'p':
		p |= PermPrivate
	case 's':
	default:
		return 0, fmt.Errorf("bad permissions column %q", s)
	}
	return p, nil
}
