// Package elftest assembles small ELF64 images in memory for tests, so
// that symbol layout, segment layout and deliberate corruption are
// fully under test control.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Sym describes one function symbol to place in a test image.
type Sym struct {
	Name  string
	Value uint64
	Size  uint64
}

// Section describes one section body of a test image.
type Section struct {
	Name    string
	Type    elf.SectionType
	Data    []byte
	Link    uint32
	Info    uint32
	Entsize uint64
}

const (
	ehSize = 64
	phSize = 56
)

// SymtabSections builds a .symtab/.strtab pair. The pair must be the
// first sections handed to Build: the symtab's string table link
// assumes .strtab lands at section index 2.
func SymtabSections(tb testing.TB, syms []Sym) []Section {
	tb.Helper()
	return symbolSections(tb, ".symtab", ".strtab", elf.SHT_SYMTAB, 2, syms)
}

// DynsymSections builds a .dynsym/.dynstr pair. strndx is the section
// index where .dynstr will land in the final image; the pair's position
// in the slice handed to Build decides it (the null section is index 0,
// .shstrtab goes last).
func DynsymSections(tb testing.TB, strndx uint32, syms []Sym) []Section {
	tb.Helper()
	return symbolSections(tb, ".dynsym", ".dynstr", elf.SHT_DYNSYM, strndx, syms)
}

func symbolSections(tb testing.TB, symName, strName string, typ elf.SectionType, strndx uint32, syms []Sym) []Section {
	tb.Helper()

	strtab := []byte{0}
	var symdata bytes.Buffer
	if err := binary.Write(&symdata, binary.LittleEndian, elf.Sym64{}); err != nil {
		tb.Fatal(err)
	}
	for _, s := range syms {
		nameOff := uint32(len(strtab))
		strtab = append(strtab, []byte(s.Name)...)
		strtab = append(strtab, 0)
		err := binary.Write(&symdata, binary.LittleEndian, elf.Sym64{
			Name:  nameOff,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: uint16(elf.SHN_ABS),
			Value: s.Value,
			Size:  s.Size,
		})
		if err != nil {
			tb.Fatal(err)
		}
	}
	return []Section{
		{Name: symName, Type: typ, Data: symdata.Bytes(), Link: strndx, Info: 1, Entsize: 24},
		{Name: strName, Type: elf.SHT_STRTAB, Data: strtab},
	}
}

// Build lays out a little-endian x86-64 image: header, program headers,
// section bodies, then the section header table. A .shstrtab section is
// appended automatically.
func Build(tb testing.TB, typ elf.Type, progs []elf.Prog64, secs []Section) []byte {
	tb.Helper()

	type placed struct {
		hdr  elf.Section64
		data []byte
	}

	shstr := []byte{0}
	addName := func(name string) uint32 {
		off := uint32(len(shstr))
		shstr = append(shstr, []byte(name)...)
		shstr = append(shstr, 0)
		return off
	}

	all := make([]placed, 0, len(secs)+2)
	all = append(all, placed{}) // SHT_NULL
	for _, s := range secs {
		all = append(all, placed{
			hdr: elf.Section64{
				Name:      addName(s.Name),
				Type:      uint32(s.Type),
				Size:      uint64(len(s.Data)),
				Link:      s.Link,
				Info:      s.Info,
				Entsize:   s.Entsize,
				Addralign: 1,
			},
			data: s.Data,
		})
	}
	shstrndx := len(all)
	all = append(all, placed{
		hdr: elf.Section64{
			Name:      addName(".shstrtab"),
			Type:      uint32(elf.SHT_STRTAB),
			Addralign: 1,
		},
	})
	all[shstrndx].data = shstr
	all[shstrndx].hdr.Size = uint64(len(shstr))

	off := uint64(ehSize + phSize*len(progs))
	for i := range all {
		if len(all[i].data) == 0 {
			continue
		}
		off = (off + 7) &^ 7
		all[i].hdr.Off = off
		off += uint64(len(all[i].data))
	}
	shoff := (off + 7) &^ 7

	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Phoff:     ehSize,
		Shoff:     shoff,
		Ehsize:    ehSize,
		Phentsize: phSize,
		Phnum:     uint16(len(progs)),
		Shentsize: 64,
		Shnum:     uint16(len(all)),
		Shstrndx:  uint16(shstrndx),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if len(progs) == 0 {
		hdr.Phoff = 0
		hdr.Phentsize = 0
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		tb.Fatal(err)
	}
	for _, p := range progs {
		if err := binary.Write(&buf, binary.LittleEndian, p); err != nil {
			tb.Fatal(err)
		}
	}
	for i := range all {
		if len(all[i].data) == 0 {
			continue
		}
		buf.Write(make([]byte, int(all[i].hdr.Off)-buf.Len()))
		buf.Write(all[i].data)
	}
	buf.Write(make([]byte, int(shoff)-buf.Len()))
	for _, p := range all {
		if err := binary.Write(&buf, binary.LittleEndian, p.hdr); err != nil {
			tb.Fatal(err)
		}
	}
	return buf.Bytes()
}

// WriteTemp writes an image to a file that lives for the test.
func WriteTemp(tb testing.TB, data []byte) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "mod.so")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatal(err)
	}
	return path
}
