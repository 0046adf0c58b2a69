package vm

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// ELF object wrapper
// ---------------------------------------------------------------------------

// WriteELF wraps an artifact's code in a minimal ELF64 relocatable
// object with a single executable .text section, for handing to
// external linkers and inspection tools. The code needs no load-time
// relocations, so none are emitted.
func (a *Artifact) WriteELF() []byte {
	const (
		ehsize  = 64
		shsize  = 64
		shcount = 3 // NULL, .text, .shstrtab
	)
	shstrtab := []byte("\x00.text\x00.shstrtab\x00")
	const (
		nameText     = 1
		nameShstrtab = 7
	)

	textOff := uint64(ehsize)
	strOff := textOff + uint64(len(a.Code))
	shOff := (strOff + uint64(len(shstrtab)) + 7) &^ 7

	var buf bytes.Buffer
	le := binary.LittleEndian

	// ELF header.
	ident := [16]byte{0x7F, 'E', 'L', 'F',
		byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	buf.Write(ident[:])
	binary.Write(&buf, le, uint16(elf.ET_REL))
	binary.Write(&buf, le, uint16(elf.EM_X86_64))
	binary.Write(&buf, le, uint32(elf.EV_CURRENT))
	binary.Write(&buf, le, uint64(0)) // entry
	binary.Write(&buf, le, uint64(0)) // phoff
	binary.Write(&buf, le, shOff)
	binary.Write(&buf, le, uint32(0))       // flags
	binary.Write(&buf, le, uint16(ehsize))  // ehsize
	binary.Write(&buf, le, uint16(0))       // phentsize
	binary.Write(&buf, le, uint16(0))       // phnum
	binary.Write(&buf, le, uint16(shsize))  // shentsize
	binary.Write(&buf, le, uint16(shcount)) // shnum
	binary.Write(&buf, le, uint16(2))       // shstrndx

	buf.Write(a.Code)
	buf.Write(shstrtab)
	for buf.Len() < int(shOff) {
		buf.WriteByte(0)
	}

	shdr := func(name uint32, typ elf.SectionType, flags elf.SectionFlag, off, size, align uint64) {
		binary.Write(&buf, le, name)
		binary.Write(&buf, le, uint32(typ))
		binary.Write(&buf, le, uint64(flags))
		binary.Write(&buf, le, uint64(0)) // addr
		binary.Write(&buf, le, off)
		binary.Write(&buf, le, size)
		binary.Write(&buf, le, uint32(0)) // link
		binary.Write(&buf, le, uint32(0)) // info
		binary.Write(&buf, le, align)
		binary.Write(&buf, le, uint64(0)) // entsize
	}
	shdr(0, 0, 0, 0, 0, 0) // NULL
	shdr(nameText, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR,
		textOff, uint64(len(a.Code)), 16)
	shdr(nameShstrtab, elf.SHT_STRTAB, 0, strOff, uint64(len(shstrtab)), 1)

	return buf.Bytes()
}

// ReadELFText extracts the .text bytes from an object produced by
// WriteELF.
func ReadELFText(data []byte) ([]byte, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("vm: parse elf: %w", err)
	}
	defer f.Close()
	sec := f.Section(".text")
	if sec == nil {
		return nil, fmt.Errorf("vm: elf object has no .text section")
	}
	return sec.Data()
}
