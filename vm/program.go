package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Program container
// ---------------------------------------------------------------------------

// ProgramMagic starts every serialized program image.
const ProgramMagic = "MVM1"

// ProgramVersion is the current container format version.
const ProgramVersion = 1

// DefaultMemorySize is the linear memory size used when a program does
// not request one.
const DefaultMemorySize = 1 << 20

// Program is a loaded instruction stream plus its initial data segment.
type Program struct {
	Entry      uint32        // instruction index execution starts at
	MemorySize uint64        // linear memory size in bytes
	Code       []Instruction // decoded instruction stream
	Data       []byte        // copied to the base of linear memory
}

// NewProgram builds a program starting at instruction 0 with the default
// memory size.
func NewProgram(code ...Instruction) *Program {
	return &Program{MemorySize: DefaultMemorySize, Code: code}
}

// Validate checks structural well-formedness: entry point in range,
// control-flow targets in range, writable destination registers where the
// opcode writes, and mode selectors within their family.
func (p *Program) Validate() error {
	if len(p.Code) == 0 {
		return fmt.Errorf("%w: empty program", ErrInvalidInstruction)
	}
	if int(p.Entry) >= len(p.Code) {
		return fmt.Errorf("%w: entry %d beyond %d instructions", ErrInvalidInstruction, p.Entry, len(p.Code))
	}
	if p.MemorySize == 0 {
		return fmt.Errorf("%w: zero memory size", ErrInvalidInstruction)
	}
	if uint64(len(p.Data)) > p.MemorySize {
		return fmt.Errorf("%w: data segment %d exceeds memory %d", ErrInvalidInstruction, len(p.Data), p.MemorySize)
	}
	for pc, in := range p.Code {
		info, ok := opcodeTable[in.Op]
		if !ok {
			return fmt.Errorf("%w: opcode 0x%02X at %d", ErrInvalidInstruction, byte(in.Op), pc)
		}
		if in.Mode > info.MaxMode {
			return fmt.Errorf("%w: %s mode %d at %d", ErrInvalidInstruction, in.Op, in.Mode, pc)
		}
		switch in.Op {
		case OpBranch, OpCall:
			target := pc + int(in.Imm)
			if target < 0 || target > len(p.Code) {
				return fmt.Errorf("%w: %s target %d at %d", ErrInvalidInstruction, in.Op, target, pc)
			}
		case OpJump:
			if in.Mode == 0 {
				target := pc + int(in.Imm)
				if target < 0 || target > len(p.Code) {
					return fmt.Errorf("%w: jump target %d at %d", ErrInvalidInstruction, target, pc)
				}
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// Image layout, all little-endian:
//
//	magic      4 bytes "MVM1"
//	version    u16
//	entry      u32
//	memSize    u64
//	codeLen    u32  (byte length of the instruction stream)
//	dataLen    u32
//	code       codeLen bytes
//	data       dataLen bytes
const programHeaderSize = 4 + 2 + 4 + 8 + 4 + 4

// Encode serializes the program to its binary image.
func (p *Program) Encode() []byte {
	var code []byte
	for _, in := range p.Code {
		code = in.Encode(code)
	}

	buf := make([]byte, programHeaderSize, programHeaderSize+len(code)+len(p.Data))
	copy(buf, ProgramMagic)
	binary.LittleEndian.PutUint16(buf[4:], ProgramVersion)
	binary.LittleEndian.PutUint32(buf[6:], p.Entry)
	binary.LittleEndian.PutUint64(buf[10:], p.MemorySize)
	binary.LittleEndian.PutUint32(buf[18:], uint32(len(code)))
	binary.LittleEndian.PutUint32(buf[22:], uint32(len(p.Data)))
	buf = append(buf, code...)
	buf = append(buf, p.Data...)
	return buf
}

// DecodeProgram parses a binary image and validates the result.
func DecodeProgram(b []byte) (*Program, error) {
	if len(b) < programHeaderSize {
		return nil, fmt.Errorf("%w: image %d bytes", ErrBadMagic, len(b))
	}
	if string(b[:4]) != ProgramMagic {
		return nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(b[4:])
	if version != ProgramVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadMagic, version)
	}

	p := &Program{
		Entry:      binary.LittleEndian.Uint32(b[6:]),
		MemorySize: binary.LittleEndian.Uint64(b[10:]),
	}
	codeLen := binary.LittleEndian.Uint32(b[18:])
	dataLen := binary.LittleEndian.Uint32(b[22:])
	rest := b[programHeaderSize:]
	if uint64(len(rest)) != uint64(codeLen)+uint64(dataLen) {
		return nil, fmt.Errorf("%w: body %d bytes, header claims %d", ErrBadMagic, len(rest), codeLen+dataLen)
	}

	code := rest[:codeLen]
	for len(code) > 0 {
		in, n, err := DecodeInstruction(code)
		if err != nil {
			return nil, err
		}
		p.Code = append(p.Code, in)
		code = code[n:]
	}
	if dataLen > 0 {
		p.Data = append([]byte(nil), rest[codeLen:]...)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
