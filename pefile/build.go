package pefile

import (
	"bytes"
	"encoding/binary"
)

// Layout describes a minimal single section image produced by Build.
type Layout struct {
	Machine   uint16
	ImageBase uint64
	EntryRVA  uint32
	Code      []byte
	// BssSize, when non-zero, adds an uninitialized .bss section after
	// .text that has no raw data in the file.
	BssSize uint32
}

const (
	buildLfanew      = 0x80
	buildFileAlign   = 0x200
	buildSectionRVA  = 0x1000
	buildSectionAlgn = 0x1000
)

// Build assembles a headers plus one .text section image, and a .bss
// section when BssSize is set. The entry RVA is
// relative to the image base and normally points into the section.
func Build(l Layout) []byte {
	pe32p := l.Machine == MachineAMD64 || l.Machine == MachineARM64
	buf := &bytes.Buffer{}

	dos := DosHeader{Magic: dosMagic, AddressExeHeader: buildLfanew}
	binary.Write(buf, binary.LittleEndian, dos)
	buf.Write(make([]byte, buildLfanew-buf.Len()))
	binary.Write(buf, binary.LittleEndian, uint32(ntSignature))

	var optSize int
	if pe32p {
		optSize = binary.Size(OptionalHeader32P{})
	} else {
		optSize = binary.Size(OptionalHeader32{})
	}
	sections := uint16(1)
	if l.BssSize != 0 {
		sections++
	}
	coff := CoffHeader{
		Machine:              l.Machine,
		NumberOfSections:     sections,
		SizeOfOptionalHeader: uint16(optSize),
		Characteristics:      0x0102,
	}
	binary.Write(buf, binary.LittleEndian, coff)

	rawSize := roundUp(uint32(len(l.Code)), buildFileAlign)
	bssRVA := buildSectionRVA + roundUp(uint32(len(l.Code)), buildSectionAlgn)
	imageSize := bssRVA
	if l.BssSize != 0 {
		imageSize += roundUp(l.BssSize, buildSectionAlgn)
	}
	if pe32p {
		binary.Write(buf, binary.LittleEndian, OptionalHeader32P{
			Magic:               optMagicPe32p,
			AddressOfEntryPoint: l.EntryRVA,
			BaseOfCode:          buildSectionRVA,
			ImageBase:           l.ImageBase,
			SectionAlignment:    buildSectionAlgn,
			FileAlignment:       buildFileAlign,
			SizeOfImage:         imageSize,
			SizeOfHeaders:       buildFileAlign,
			Subsystem:           3,
			NumberOfRvaAndSizes: 16,
		})
	} else {
		binary.Write(buf, binary.LittleEndian, OptionalHeader32{
			Magic:               optMagicPe32,
			AddressOfEntryPoint: l.EntryRVA,
			BaseOfCode:          buildSectionRVA,
			ImageBase:           uint32(l.ImageBase),
			SectionAlignment:    buildSectionAlgn,
			FileAlignment:       buildFileAlign,
			SizeOfImage:         imageSize,
			SizeOfHeaders:       buildFileAlign,
			Subsystem:           3,
			NumberOfRvaAndSizes: 16,
		})
	}

	sh := SectionHeader{
		VirtualSize:     uint32(len(l.Code)),
		VirtualAddress:  buildSectionRVA,
		Size:            rawSize,
		Offset:          buildFileAlign,
		Characteristics: 0x60000020,
	}
	copy(sh.Name[:], ".text")
	binary.Write(buf, binary.LittleEndian, sh)
	if l.BssSize != 0 {
		bss := SectionHeader{
			VirtualSize:     l.BssSize,
			VirtualAddress:  bssRVA,
			Characteristics: 0xc0000080,
		}
		copy(bss.Name[:], ".bss")
		binary.Write(buf, binary.LittleEndian, bss)
	}

	buf.Write(make([]byte, buildFileAlign-buf.Len()))
	code := make([]byte, rawSize)
	copy(code, l.Code)
	buf.Write(code)
	return buf.Bytes()
}

// SectionRVA is the RVA of the section emitted by Build.
func SectionRVA() uint32 { return buildSectionRVA }

func roundUp(v, align uint32) uint32 {
	if v == 0 {
		return align
	}
	return (v + align - 1) &^ (align - 1)
}
