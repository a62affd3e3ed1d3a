package pefile

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
)

type PeType int

const (
	Pe32 PeType = iota
	Pe32p
)

// Machine values from the COFF header.
const (
	MachineUnknown uint16 = 0x0
	MachineI386    uint16 = 0x14c
	MachineAMD64   uint16 = 0x8664
	MachineARM64   uint16 = 0xaa64
	MachineIA64    uint16 = 0x200
)

const (
	dosMagic       = 0x5a4d
	ntSignature    = 0x00004550
	optMagicPe32   = 0x10b
	optMagicPe32p  = 0x20b
	HeaderPrefix   = 1024
	maxSectionRead = 1 << 24
)

var (
	// ErrNotImage is returned when the input does not carry the DOS and NT
	// signatures of an executable image.
	ErrNotImage = errors.New("not a PE image")
	// ErrTruncated is returned when a header extends past the available data.
	ErrTruncated = errors.New("truncated PE header")
)

type DosHeader struct {
	Magic                      uint16
	BytesOnLastPage            uint16
	PagesInFile                uint16
	Relocations                uint16
	SizeOfHeader               uint16
	MinExtra                   uint16
	MaxExtra                   uint16
	InitialSS                  uint16
	InitialSP                  uint16
	Checksum                   uint16
	InitialIP                  uint16
	InitialCS                  uint16
	FileAddressRelocationTable uint16
	Overlay                    uint16
	Reserved                   [4]uint16
	OemId                      uint16
	OemInfo                    uint16
	Reserved2                  [10]uint16
	AddressExeHeader           uint32
}

type CoffHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDataStamp        uint32
	PointerSymbolTable   uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type OptionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32Version            uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	Checksum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint32
	SizeOfStackCommit       uint32
	SizeOfHeapReserve       uint32
	SizeOfHeapCommit        uint32
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectories         [16]DataDirectory
}

type OptionalHeader32P struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32Version            uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	Checksum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectories         [16]DataDirectory
}

type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	Size                 uint32
	Offset               uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

type Section struct {
	Name            string
	VirtualSize     uint32
	VirtualAddress  uint32
	Size            uint32
	Offset          uint32
	Characteristics uint32
	Entropy         float64
}

// PeFile holds the headers of an image. Section contents are not kept;
// ReadRVA fetches bytes on demand from the backing reader.
type PeFile struct {
	Path           string
	DosHeader      *DosHeader
	CoffHeader     *CoffHeader
	OptionalHeader interface{}
	PeType         PeType
	Sections       []*Section
	Size           int64

	r io.ReaderAt
}

func entropy(bs []byte) float64 {
	histo := make([]int, 256)
	for _, b := range bs {
		histo[int(b)]++
	}

	size := len(bs)
	var ret float64 = 0.0

	for _, count := range histo {
		if count == 0 {
			continue
		}

		p := float64(count) / float64(size)
		ret += p * math.Log2(p)
	}

	return -ret
}

func (self *PeFile) String() string {
	return "{ Path: " + self.Path + " }"
}

func (self *PeFile) Machine() uint16 {
	return self.CoffHeader.Machine
}

func (self *PeFile) ImageBase() uint64 {
	if self.PeType == Pe32 {
		return uint64(self.OptionalHeader.(*OptionalHeader32).ImageBase)
	}
	return self.OptionalHeader.(*OptionalHeader32P).ImageBase
}

func (self *PeFile) EntryPoint() uint32 {
	if self.PeType == Pe32 {
		return self.OptionalHeader.(*OptionalHeader32).AddressOfEntryPoint
	}
	return self.OptionalHeader.(*OptionalHeader32P).AddressOfEntryPoint
}

func (self *PeFile) Subsystem() uint16 {
	if self.PeType == Pe32 {
		return self.OptionalHeader.(*OptionalHeader32).Subsystem
	}
	return self.OptionalHeader.(*OptionalHeader32P).Subsystem
}

// SectionForRVA returns the section whose virtual range contains rva.
func (self *PeFile) SectionForRVA(rva uint32) *Section {
	for _, s := range self.Sections {
		size := s.VirtualSize
		if size < s.Size {
			size = s.Size
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return s
		}
	}
	return nil
}

// ReadRVA reads up to n bytes of raw file data mapped at rva. Asking for
// nothing returns nothing, even inside uninitialized data.
func (self *PeFile) ReadRVA(rva uint32, n int) ([]byte, error) {
	s := self.SectionForRVA(rva)
	if s == nil {
		return nil, errors.Errorf("rva 0x%x is not inside any section", rva)
	}
	if n <= 0 {
		return nil, nil
	}
	if self.r == nil {
		return nil, errors.New("image data is no longer available")
	}
	delta := rva - s.VirtualAddress
	if delta >= s.Size {
		return nil, errors.Errorf("rva 0x%x is in uninitialized data of %s", rva, s.Name)
	}
	if avail := int(s.Size - delta); n > avail {
		n = avail
	}
	buf := make([]byte, n)
	read, err := self.r.ReadAt(buf, int64(s.Offset)+int64(delta))
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "reading rva 0x%x", rva)
	}
	return buf[:read], nil
}

// Close releases the backing file if LoadPeFile opened one.
func (self *PeFile) Close() error {
	if c, ok := self.r.(io.Closer); ok {
		self.r = nil
		return c.Close()
	}
	self.r = nil
	return nil
}

// LoadPeFile opens path and parses its headers. The file stays open for
// ReadRVA until Close is called.
func LoadPeFile(path string) (*PeFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	pe, err := ReadHeaders(file, info.Size(), path)
	if err != nil {
		file.Close()
		return nil, err
	}
	return pe, nil
}

// LoadPeBytes parses an in memory image.
func LoadPeBytes(data []byte, name string) (*PeFile, error) {
	return ReadHeaders(bytes.NewReader(data), int64(len(data)), name)
}

// ReadHeaders parses the DOS, COFF, optional and section headers from r.
// Only the first HeaderPrefix bytes are required to identify an image.
func ReadHeaders(r io.ReaderAt, size int64, name string) (*PeFile, error) {
	pe := &PeFile{Path: name, Size: size, r: r}

	prefix := make([]byte, HeaderPrefix)
	n, err := r.ReadAt(prefix, 0)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "reading header of %s", name)
	}
	prefix = prefix[:n]
	if len(prefix) < 2 || binary.LittleEndian.Uint16(prefix) != dosMagic {
		return nil, ErrNotImage
	}

	pe.DosHeader = &DosHeader{}
	if err = binary.Read(bytes.NewReader(prefix), binary.LittleEndian, pe.DosHeader); err != nil {
		return nil, ErrTruncated
	}

	ntOffset := int64(pe.DosHeader.AddressExeHeader)
	sig := make([]byte, 4)
	if _, err = r.ReadAt(sig, ntOffset); err != nil {
		return nil, ErrNotImage
	}
	if binary.LittleEndian.Uint32(sig) != ntSignature {
		return nil, ErrNotImage
	}

	sr := io.NewSectionReader(r, ntOffset+4, size-ntOffset-4)
	pe.CoffHeader = &CoffHeader{}
	if err = binary.Read(sr, binary.LittleEndian, pe.CoffHeader); err != nil {
		return nil, ErrTruncated
	}

	optStart := ntOffset + 4 + int64(binary.Size(CoffHeader{}))
	magic := make([]byte, 2)
	if _, err = r.ReadAt(magic, optStart); err != nil {
		return nil, ErrTruncated
	}
	or := io.NewSectionReader(r, optStart, size-optStart)
	switch binary.LittleEndian.Uint16(magic) {
	case optMagicPe32:
		pe.PeType = Pe32
		pe.OptionalHeader = &OptionalHeader32{}
	case optMagicPe32p:
		pe.PeType = Pe32p
		pe.OptionalHeader = &OptionalHeader32P{}
	default:
		return nil, errors.Wrapf(ErrNotImage, "optional header magic 0x%x", binary.LittleEndian.Uint16(magic))
	}
	if err = binary.Read(or, binary.LittleEndian, pe.OptionalHeader); err != nil {
		return nil, ErrTruncated
	}

	sectionsStart := optStart + int64(pe.CoffHeader.SizeOfOptionalHeader)
	count := int(pe.CoffHeader.NumberOfSections)
	pe.Sections = make([]*Section, 0, count)
	hdrSize := int64(binary.Size(SectionHeader{}))
	for i := 0; i < count; i++ {
		hr := io.NewSectionReader(r, sectionsStart+hdrSize*int64(i), hdrSize)
		temp := SectionHeader{}
		if err = binary.Read(hr, binary.LittleEndian, &temp); err != nil {
			return nil, errors.Wrapf(ErrTruncated, "section[%d] of %s", i, name)
		}
		s := &Section{
			Name:            strings.TrimRight(string(temp.Name[:]), "\x00"),
			VirtualSize:     temp.VirtualSize,
			VirtualAddress:  temp.VirtualAddress,
			Size:            temp.Size,
			Offset:          temp.Offset,
			Characteristics: temp.Characteristics,
		}
		if temp.Size > 0 && temp.Size < maxSectionRead {
			raw := make([]byte, temp.Size)
			if n, _ := r.ReadAt(raw, int64(temp.Offset)); n > 0 {
				s.Entropy = entropy(raw[:n])
			}
		}
		pe.Sections = append(pe.Sections, s)
	}

	return pe, nil
}
