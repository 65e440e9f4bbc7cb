package testutils

import (
	"bytes"
	"encoding/binary"
)

// ELFOpts controls BuildELF.
type ELFOpts struct {
	Class32   bool
	BigEndian bool
	Machine   uint16 // defaults to EM_X86_64 (or EM_386 for Class32)
	Dynsym    bool   // emit the symbol table as SHT_DYNSYM
}

// BuildELF builds a minimal relocatable ELF object containing one symbol
// table with the given global symbol names and the string/section-name
// tables to back it.
func BuildELF(names []string, opts ELFOpts) []byte {
	bo := binary.ByteOrder(binary.LittleEndian)
	if opts.BigEndian {
		bo = binary.BigEndian
	}
	machine := opts.Machine
	if machine == 0 {
		if opts.Class32 {
			machine = 3 // EM_386
		} else {
			machine = 62 // EM_X86_64
		}
	}
	symType := uint32(2) // SHT_SYMTAB
	if opts.Dynsym {
		symType = 11 // SHT_DYNSYM
	}

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	nameOff := make([]uint32, len(names))
	for i, name := range names {
		nameOff[i] = uint32(strtab.Len())
		strtab.WriteString(name)
		strtab.WriteByte(0)
	}

	shstrtab := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")
	const (
		shnSymtab   = 1
		shnStrtab   = 9
		shnShstrtab = 17
	)

	if opts.Class32 {
		return buildELF32(bo, machine, symType, names, nameOff, strtab.Bytes(), shstrtab, shnSymtab, shnStrtab, shnShstrtab)
	}
	return buildELF64(bo, machine, symType, names, nameOff, strtab.Bytes(), shstrtab, shnSymtab, shnStrtab, shnShstrtab)
}

func buildELF64(bo binary.ByteOrder, machine uint16, symType uint32, names []string, nameOff []uint32, strtab, shstrtab []byte, shnSymtab, shnStrtab, shnShstrtab uint32) []byte {
	const (
		ehsize  = 64
		symSize = 24
		shSize  = 64
	)
	symtabOff := uint64(ehsize)
	symtabLen := uint64((len(names) + 1) * symSize)
	strtabOff := symtabOff + symtabLen
	shstrOff := strtabOff + uint64(len(strtab))
	shoff := shstrOff + uint64(len(shstrtab))

	total := shoff + 4*shSize
	out := make([]byte, total)

	copy(out, "\x7fELF")
	out[4] = 2 // ELFCLASS64
	out[5] = 1 // ELFDATA2LSB
	if bo == binary.BigEndian {
		out[5] = 2
	}
	out[6] = 1                       // EV_CURRENT
	bo.PutUint16(out[16:], 1)        // ET_REL
	bo.PutUint16(out[18:], machine)  // e_machine
	bo.PutUint32(out[20:], 1)        // e_version
	bo.PutUint64(out[40:], shoff)    // e_shoff
	bo.PutUint16(out[52:], ehsize)   // e_ehsize
	bo.PutUint16(out[58:], shSize)   // e_shentsize
	bo.PutUint16(out[60:], 4)        // e_shnum
	bo.PutUint16(out[62:], 3)        // e_shstrndx

	for i := range names {
		sym := out[symtabOff+uint64((i+1)*symSize):]
		bo.PutUint32(sym, nameOff[i])
		sym[4] = 0x10                  // GLOBAL | NOTYPE
		bo.PutUint16(sym[6:], 0xfff1) // SHN_ABS
	}
	copy(out[strtabOff:], strtab)
	copy(out[shstrOff:], shstrtab)

	putShdr := func(n int, name, typ uint32, off, size uint64, link uint32, entsize uint64) {
		sh := out[shoff+uint64(n*shSize):]
		bo.PutUint32(sh[0:], name)
		bo.PutUint32(sh[4:], typ)
		bo.PutUint64(sh[24:], off)
		bo.PutUint64(sh[32:], size)
		bo.PutUint32(sh[40:], link)
		bo.PutUint64(sh[56:], entsize)
	}
	putShdr(1, shnSymtab, symType, symtabOff, symtabLen, 2, symSize)
	putShdr(2, shnStrtab, 3, strtabOff, uint64(len(strtab)), 0, 0) // SHT_STRTAB
	putShdr(3, shnShstrtab, 3, shstrOff, uint64(len(shstrtab)), 0, 0)
	return out
}

func buildELF32(bo binary.ByteOrder, machine uint16, symType uint32, names []string, nameOff []uint32, strtab, shstrtab []byte, shnSymtab, shnStrtab, shnShstrtab uint32) []byte {
	const (
		ehsize  = 52
		symSize = 16
		shSize  = 40
	)
	symtabOff := uint32(ehsize)
	symtabLen := uint32((len(names) + 1) * symSize)
	strtabOff := symtabOff + symtabLen
	shstrOff := strtabOff + uint32(len(strtab))
	shoff := shstrOff + uint32(len(shstrtab))

	total := shoff + 4*shSize
	out := make([]byte, total)

	copy(out, "\x7fELF")
	out[4] = 1 // ELFCLASS32
	out[5] = 1
	if bo == binary.BigEndian {
		out[5] = 2
	}
	out[6] = 1
	bo.PutUint16(out[16:], 1)
	bo.PutUint16(out[18:], machine)
	bo.PutUint32(out[20:], 1)
	bo.PutUint32(out[32:], shoff)  // e_shoff
	bo.PutUint16(out[40:], ehsize) // e_ehsize
	bo.PutUint16(out[46:], shSize) // e_shentsize
	bo.PutUint16(out[48:], 4)      // e_shnum
	bo.PutUint16(out[50:], 3)      // e_shstrndx

	for i := range names {
		sym := out[symtabOff+uint32((i+1)*symSize):]
		bo.PutUint32(sym, nameOff[i])
		sym[12] = 0x10
		bo.PutUint16(sym[14:], 0xfff1) // SHN_ABS
	}
	copy(out[strtabOff:], strtab)
	copy(out[shstrOff:], shstrtab)

	putShdr := func(n int, name, typ, off, size, link, entsize uint32) {
		sh := out[shoff+uint32(n*shSize):]
		bo.PutUint32(sh[0:], name)
		bo.PutUint32(sh[4:], typ)
		bo.PutUint32(sh[16:], off)
		bo.PutUint32(sh[20:], size)
		bo.PutUint32(sh[24:], link)
		bo.PutUint32(sh[36:], entsize)
	}
	putShdr(1, shnSymtab, symType, symtabOff, symtabLen, 2, symSize)
	putShdr(2, shnStrtab, 3, strtabOff, uint32(len(strtab)), 0, 0)
	putShdr(3, shnShstrtab, 3, shstrOff, uint32(len(shstrtab)), 0, 0)
	return out
}

// COFFOpts controls BuildCOFF.
type COFFOpts struct {
	Machine      uint16 // defaults to IMAGE_FILE_MACHINE_AMD64
	FileAux      bool   // prepend a ".file" symbol carrying one aux record
	TrailingData []byte // appended after the string table
}

// BuildCOFF builds a minimal COFF object with the given external symbol
// names. Names longer than 8 bytes go through the string table.
func BuildCOFF(names []string, opts COFFOpts) []byte {
	machine := opts.Machine
	if machine == 0 {
		machine = 0x8664 // IMAGE_FILE_MACHINE_AMD64
	}

	var strtab bytes.Buffer
	strtab.Write([]byte{0, 0, 0, 0}) // size patched below

	var syms bytes.Buffer
	putSym := func(name string, storage byte, naux byte) {
		var rec [18]byte
		if len(name) <= 8 {
			copy(rec[0:8], name)
		} else {
			binary.LittleEndian.PutUint32(rec[4:8], uint32(strtab.Len()))
			strtab.WriteString(name)
			strtab.WriteByte(0)
		}
		binary.LittleEndian.PutUint16(rec[12:14], 0xffff) // IMAGE_SYM_ABSOLUTE
		rec[16] = storage
		rec[17] = naux
		syms.Write(rec[:])
	}

	if opts.FileAux {
		putSym(".file", 103, 1) // IMAGE_SYM_CLASS_FILE
		var aux [18]byte
		copy(aux[:], "fixture.c")
		syms.Write(aux[:])
	}
	for _, name := range names {
		putSym(name, 2, 0) // IMAGE_SYM_CLASS_EXTERNAL
	}

	nsyms := syms.Len() / 18
	st := strtab.Bytes()
	binary.LittleEndian.PutUint32(st[0:4], uint32(len(st)))

	var out bytes.Buffer
	var hdr [20]byte
	binary.LittleEndian.PutUint16(hdr[0:], machine)
	binary.LittleEndian.PutUint32(hdr[8:], 20) // PointerToSymbolTable
	binary.LittleEndian.PutUint32(hdr[12:], uint32(nsyms))
	out.Write(hdr[:])
	out.Write(syms.Bytes())
	out.Write(st)
	out.Write(opts.TrailingData)
	return out.Bytes()
}

// MachOOpts controls BuildMachO.
type MachOOpts struct {
	Cpu          uint32 // defaults to CPU_TYPE_X86_64
	Class32      bool
	BigEndian    bool
	TrailingData []byte // appended after the string table
}

// BuildMachO builds a minimal MH_OBJECT file with a single LC_SYMTAB
// covering the given symbol names. Callers pass names with whatever leading
// underscore the scenario needs; no decoration is applied here.
func BuildMachO(names []string, opts MachOOpts) []byte {
	bo := binary.ByteOrder(binary.LittleEndian)
	if opts.BigEndian {
		bo = binary.BigEndian
	}
	cpu := opts.Cpu
	if cpu == 0 {
		cpu = 0x01000007 // CPU_TYPE_X86_64
	}

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	nameOff := make([]uint32, len(names))
	for i, name := range names {
		nameOff[i] = uint32(strtab.Len())
		strtab.WriteString(name)
		strtab.WriteByte(0)
	}

	hdrLen := 32
	nlistLen := 16
	magic := uint32(0xfeedfacf)
	if opts.Class32 {
		hdrLen = 28
		nlistLen = 12
		magic = 0xfeedface
		if cpu == 0x01000007 {
			cpu = 7 // CPU_TYPE_X86
		}
	}
	const symtabCmdLen = 24
	symoff := uint32(hdrLen + symtabCmdLen)
	stroff := symoff + uint32(len(names)*nlistLen)

	out := make([]byte, int(stroff)+strtab.Len()+len(opts.TrailingData))
	bo.PutUint32(out[0:], magic)
	bo.PutUint32(out[4:], cpu)
	bo.PutUint32(out[12:], 1)           // MH_OBJECT
	bo.PutUint32(out[16:], 1)           // ncmds
	bo.PutUint32(out[20:], symtabCmdLen) // sizeofcmds

	lc := out[hdrLen:]
	bo.PutUint32(lc[0:], 0x2) // LC_SYMTAB
	bo.PutUint32(lc[4:], symtabCmdLen)
	bo.PutUint32(lc[8:], symoff)
	bo.PutUint32(lc[12:], uint32(len(names)))
	bo.PutUint32(lc[16:], stroff)
	bo.PutUint32(lc[20:], uint32(strtab.Len()))

	for i := range names {
		sym := out[symoff+uint32(i*nlistLen):]
		bo.PutUint32(sym, nameOff[i])
		sym[4] = 0x03 // N_ABS | N_EXT
	}
	copy(out[stroff:], strtab.Bytes())
	copy(out[int(stroff)+strtab.Len():], opts.TrailingData)
	return out
}
