// Package minielf extracts just enough out of an ELF file to symbolize
// code addresses: the file header, the program header projection and the
// symbol tables. Nothing else is parsed and no program data is loaded.
//
// The files come from inside the sandbox boundary and are treated as
// hostile: parsing never panics, a file with corrupt or missing symbol
// tables still yields a usable handle with an empty index, and only a
// file that cannot be identified as ELF at all fails to open.
package minielf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ianlancetaylor/demangle"
	"github.com/ulikunitz/xz"

	"github.com/piotrbartman/sandboxed-api/pkg/logflags"
)

// FormatError reports a file that could not be identified as ELF.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: not a usable ELF file: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Sym is one entry of the symbol index. Addr is a link-time virtual
// address; Name has already been demangled.
type Sym struct {
	Name string
	Addr uint64
	Size uint64
}

// File is an indexed module. The file descriptor used while indexing is
// closed before Open returns; a File pins memory, not the backing file.
type File struct {
	path    string
	typ     elf.Type
	machine elf.Machine
	entry   uint64
	loads   []elf.ProgHeader

	// sorted by Addr, ties broken by name
	syms []Sym
}

// Matches the "simplified" demangling profile: no parameter or template
// lists, just the qualified name.
var demangleOptions = []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}

// maxDebugData bounds how much decompressed MiniDebugInfo a file may
// carry before it is ignored.
const maxDebugData = 64 << 20

// Open reads and indexes the ELF file at path. Only a file whose ident
// and fixed header do not validate fails, with a FormatError; damage
// anywhere past the header, stripped or truncated tables included,
// yields a handle that simply resolves nothing.
func Open(path string) (*File, error) {
	logger := logflags.MiniElfLogger()

	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	hdr, err := readHeader(fh)
	if err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}

	f := &File{
		path:    path,
		typ:     hdr.typ,
		machine: hdr.machine,
		entry:   hdr.entry,
	}

	ef, err := newElfFile(fh)
	if err != nil {
		// The ident validated, so the damage sits past the fixed
		// header: a cut-off file, a rewritten section table. The
		// module keeps its identity and serves no symbols.
		logger.Warnf("%s: unreadable past the header, indexing no symbols: %v", path, err)
		return f, nil
	}

	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			f.loads = append(f.loads, p.ProgHeader)
		}
	}

	f.syms = loadSymbols(ef, logger)
	if len(f.syms) == 0 {
		syms, err := loadMiniDebugSymbols(ef, logger)
		switch {
		case err == nil:
			f.syms = syms
		case !errors.Is(err, errNoDebugData):
			logger.Warnf("%s: discarding .gnu_debugdata: %v", path, err)
		}
	}
	sortSymbols(f.syms)
	f.syms = dedupSymbols(f.syms)

	logger.Debugf("%s: indexed %d symbols", path, len(f.syms))
	return f, nil
}

// Path returns the path the file was opened from.
func (f *File) Path() string { return f.path }

// Type returns the ELF file type (ET_EXEC, ET_DYN, ...).
func (f *File) Type() elf.Type { return f.typ }

// Machine returns the ELF machine the module was built for.
func (f *File) Machine() elf.Machine { return f.machine }

// Symbols returns the symbol index in address order.
func (f *File) Symbols() []Sym { return f.syms }

// Close releases the symbol index. It is safe to call more than once.
func (f *File) Close() error {
	f.syms = nil
	f.loads = nil
	return nil
}

// Resolve returns the symbol enclosing addr, a module-relative virtual
// address. A symbol encloses addr when its start is the greatest one
// <= addr and addr still falls inside its size; zero-sized symbols
// enclose nothing. ok is false when no symbol encloses addr.
func (f *File) Resolve(addr uint64) (sym Sym, ok bool) {
	i := sort.Search(len(f.syms), func(i int) bool { return f.syms[i].Addr > addr }) - 1
	for i >= 0 {
		s := f.syms[i]
		if addr-s.Addr < s.Size {
			return s, true
		}
		// several symbols can share a start address; try the rest of
		// the group before giving up
		if i == 0 || f.syms[i-1].Addr != s.Addr {
			break
		}
		i--
	}
	return Sym{}, false
}

// LookupSymbol returns the symbol with the given (demangled) name.
func (f *File) LookupSymbol(name string) (Sym, bool) {
	for _, s := range f.syms {
		if s.Name == name {
			return s, true
		}
	}
	return Sym{}, false
}

// LoadBase computes the runtime load base of the module image, given
// the start address and file offset of the executable mapping that
// backed it. Position dependent executables load where they were
// linked; for shared objects the base is derived from the PT_LOAD
// segment matching the mapping's file offset. ok is false when no
// segment matches and the caller has to fall back to mapping-relative
// addresses.
func (f *File) LoadBase(mapStart, mapOffset uint64) (uint64, bool) {
	if f.typ == elf.ET_EXEC {
		return 0, true
	}
	for _, p := range f.loads {
		if p.Flags&elf.PF_X == 0 {
			continue
		}
		if p.Off == mapOffset {
			return mapStart - p.Vaddr, true
		}
	}
	return 0, false
}

// loadSymbols merges .symtab and .dynsym. Missing or unreadable tables
// degrade to whatever could be read, never to an error.
func loadSymbols(ef *elf.File, logger logflags.Logger) []Sym {
	var raw []elf.Symbol

	syms, err := safeSymbols(ef)
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		logger.Debugf("symtab unreadable: %v", err)
	}
	raw = append(raw, syms...)

	dyn, err := safeDynamicSymbols(ef)
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		logger.Debugf("dynsym unreadable: %v", err)
	}
	raw = append(raw, dyn...)

	out := make([]Sym, 0, len(raw))
	for _, s := range raw {
		if s.Value == 0 || s.Name == "" {
			continue
		}
		out = append(out, Sym{
			Name: demangle.Filter(s.Name, demangleOptions...),
			Addr: s.Value,
			Size: s.Size,
		})
	}
	return out
}

func sortSymbols(syms []Sym) {
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].Addr == syms[j].Addr {
			return syms[i].Name < syms[j].Name
		}
		return syms[i].Addr < syms[j].Addr
	})
}

// dedupSymbols collapses entries listed by both .symtab and .dynsym.
// The input is sorted, so duplicates are adjacent; when the tables
// disagree on size the larger one wins.
func dedupSymbols(syms []Sym) []Sym {
	out := syms[:0]
	for _, s := range syms {
		if n := len(out); n > 0 && out[n-1].Addr == s.Addr && out[n-1].Name == s.Name {
			if s.Size > out[n-1].Size {
				out[n-1].Size = s.Size
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

var errNoDebugData = errors.New("no .gnu_debugdata section")

// loadMiniDebugSymbols reads the xz-compressed MiniDebugInfo image
// distributions embed in stripped binaries.
func loadMiniDebugSymbols(ef *elf.File, logger logflags.Logger) ([]Sym, error) {
	sec := ef.Section(".gnu_debugdata")
	if sec == nil {
		return nil, errNoDebugData
	}
	data, err := safeSectionData(sec)
	if err != nil {
		return nil, err
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var uncompressed bytes.Buffer
	n, err := io.Copy(&uncompressed, io.LimitReader(r, maxDebugData+1))
	if err != nil {
		return nil, err
	}
	if n > maxDebugData {
		return nil, fmt.Errorf("decompressed debug data exceeds %d bytes", int64(maxDebugData))
	}
	inner, err := newElfFile(bytes.NewReader(uncompressed.Bytes()))
	if err != nil {
		return nil, err
	}
	syms := loadSymbols(inner, logger)
	if len(syms) == 0 {
		return nil, errNoDebugData
	}
	return syms, nil
}

// elfHeader carries the fields of the fixed file header the index
// needs even when nothing past the header can be parsed.
type elfHeader struct {
	typ     elf.Type
	machine elf.Machine
	entry   uint64
}

// readHeader validates the ident and reads the fixed header: magic,
// class, data encoding, version, and enough bytes to hold the header of
// the declared class. This is the only validation Open fails on;
// everything behind the header is optional.
func readHeader(r io.ReaderAt) (*elfHeader, error) {
	var ident [16]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, fmt.Errorf("reading ident: %v", err)
	}
	if string(ident[:4]) != elf.ELFMAG {
		return nil, errors.New("bad magic number")
	}

	var hdrSize int
	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS32:
		hdrSize = 52
	case elf.ELFCLASS64:
		hdrSize = 64
	default:
		return nil, fmt.Errorf("unknown class %d", ident[elf.EI_CLASS])
	}

	var order binary.ByteOrder
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("unknown data encoding %d", ident[elf.EI_DATA])
	}

	if elf.Version(ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, fmt.Errorf("unknown version %d", ident[elf.EI_VERSION])
	}

	raw := make([]byte, hdrSize)
	if _, err := r.ReadAt(raw, 0); err != nil {
		return nil, fmt.Errorf("reading header: %v", err)
	}
	h := &elfHeader{
		typ:     elf.Type(order.Uint16(raw[16:])),
		machine: elf.Machine(order.Uint16(raw[18:])),
	}
	if elf.Class(ident[elf.EI_CLASS]) == elf.ELFCLASS64 {
		h.entry = order.Uint64(raw[24:])
	} else {
		h.entry = uint64(order.Uint32(raw[24:]))
	}
	return h, nil
}

// debug/elf indexes untrusted metadata and can panic on corrupt input;
// every call into it goes through one of the recover wrappers below.

func newElfFile(r io.ReaderAt) (ef *elf.File, err error) {
	defer func() {
		if p := recover(); p != nil {
			ef, err = nil, fmt.Errorf("parser panic: %v", p)
		}
	}()
	return elf.NewFile(r)
}

func safeSymbols(ef *elf.File) (syms []elf.Symbol, err error) {
	defer func() {
		if p := recover(); p != nil {
			syms, err = nil, fmt.Errorf("parser panic: %v", p)
		}
	}()
	return ef.Symbols()
}

func safeDynamicSymbols(ef *elf.File) (syms []elf.Symbol, err error) {
	defer func() {
		if p := recover(); p != nil {
			syms, err = nil, fmt.Errorf("parser panic: %v", p)
		}
	}()
	return ef.DynamicSymbols()
}

func safeSectionData(sec *elf.Section) (data []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			data, err = nil, fmt.Errorf("parser panic: %v", p)
		}
	}()
	return sec.Data()
}
