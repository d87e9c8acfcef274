// Package gpt reads GUID partition tables directly from a device. It is
// used to double-check what the partitioning tools claim to have done,
// so it only needs to read, never write.
package gpt

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	signature     = "EFI PART"
	headerMinSize = 92

	// maxEntries guards against reading absurd amounts from a corrupt
	// header, the UEFI spec requires at least 128 entries of 128 bytes.
	maxEntries = 1024
)

// TypeLinuxFilesystem is the partition type GUID for Linux filesystem
// data, the type both sfdisk and sgdisk assign to the partitions
// appended here.
var TypeLinuxFilesystem = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")

// Partition is one in-use entry of the table. Number is the entry slot
// (1-based), which is what the kernel uses for the partition node name.
type Partition struct {
	Number   int
	TypeGUID uuid.UUID
	PartGUID uuid.UUID
	FirstLBA uint64
	LastLBA  uint64
	Name     string
}

// SizeBytes returns the partition size, LastLBA is inclusive.
func (p *Partition) SizeBytes(sectorSize uint64) uint64 {
	return (p.LastLBA - p.FirstLBA + 1) * sectorSize
}

// Table is a parsed primary GPT.
type Table struct {
	DiskGUID     uuid.UUID
	SectorSize   uint64
	FirstUsable  uint64
	LastUsable   uint64
	AlternateLBA uint64
	Partitions   []Partition
}

// Lookup returns the partition with the given number, or nil.
func (t *Table) Lookup(number int) *Partition {
	for i := range t.Partitions {
		if t.Partitions[i].Number == number {
			return &t.Partitions[i]
		}
	}
	return nil
}

// MaxPartitionNumber returns the highest in-use entry number, 0 for an
// empty table.
func (t *Table) MaxPartitionNumber() int {
	max := 0
	for i := range t.Partitions {
		if t.Partitions[i].Number > max {
			max = t.Partitions[i].Number
		}
	}
	return max
}

// guidFromMixedEndian decodes the GPT on-disk GUID layout, the first
// three fields are little-endian and the rest is a straight copy.
func guidFromMixedEndian(data []byte) uuid.UUID {
	var result uuid.UUID
	result[0] = data[3]
	result[1] = data[2]
	result[2] = data[1]
	result[3] = data[0]
	result[4] = data[5]
	result[5] = data[4]
	result[6] = data[7]
	result[7] = data[6]
	copy(result[8:], data[8:16])
	return result
}

// decodeName converts the UTF-16LE partition name to a string, stopping
// at the first NUL.
func decodeName(data []byte) string {
	var name []rune
	for i := 0; i+1 < len(data); i += 2 {
		r := rune(data[i]) | rune(data[i+1])<<8
		if r == 0 {
			break
		}
		name = append(name, r)
	}
	return string(name)
}

// ParseAt reads the primary GPT from r using the given sector size.
func ParseAt(r io.ReaderAt, sectorSize uint64) (*Table, error) {
	headerData := make([]byte, sectorSize)
	if _, err := r.ReadAt(headerData, int64(sectorSize)); err != nil {
		return nil, fmt.Errorf("cannot read GPT header: %w", err)
	}
	if string(headerData[:8]) != signature {
		return nil, fmt.Errorf("no GPT signature found (got %q)", string(headerData[:8]))
	}
	headerSize := binary.LittleEndian.Uint32(headerData[12:16])
	if headerSize < headerMinSize || uint64(headerSize) > sectorSize {
		return nil, fmt.Errorf("implausible GPT header size %d", headerSize)
	}

	table := &Table{
		SectorSize:   sectorSize,
		AlternateLBA: binary.LittleEndian.Uint64(headerData[32:40]),
		FirstUsable:  binary.LittleEndian.Uint64(headerData[40:48]),
		LastUsable:   binary.LittleEndian.Uint64(headerData[48:56]),
		DiskGUID:     guidFromMixedEndian(headerData[56:72]),
	}

	entriesLBA := binary.LittleEndian.Uint64(headerData[72:80])
	numEntries := binary.LittleEndian.Uint32(headerData[80:84])
	entrySize := binary.LittleEndian.Uint32(headerData[84:88])
	if entrySize < 128 {
		return nil, fmt.Errorf("implausible GPT entry size %d", entrySize)
	}
	if numEntries > maxEntries {
		return nil, fmt.Errorf("implausible GPT entry count %d", numEntries)
	}

	entriesData := make([]byte, uint64(numEntries)*uint64(entrySize))
	if _, err := r.ReadAt(entriesData, int64(entriesLBA*sectorSize)); err != nil {
		return nil, fmt.Errorf("cannot read GPT partition entries: %w", err)
	}

	for i := uint32(0); i < numEntries; i++ {
		entry := entriesData[i*entrySize : (i+1)*entrySize]
		typeGUID := guidFromMixedEndian(entry[0:16])
		if typeGUID == uuid.Nil {
			continue
		}
		table.Partitions = append(table.Partitions, Partition{
			Number:   int(i) + 1,
			TypeGUID: typeGUID,
			PartGUID: guidFromMixedEndian(entry[16:32]),
			FirstLBA: binary.LittleEndian.Uint64(entry[32:40]),
			LastLBA:  binary.LittleEndian.Uint64(entry[40:48]),
			Name:     decodeName(entry[56:128]),
		})
	}
	return table, nil
}

// Read opens the device and parses its primary GPT, using the logical
// sector size the kernel reports for it.
func Read(device string) (*Table, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", device, err)
	}
	defer f.Close()

	sectorSize := uint64(512)
	if size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET); err == nil && size > 0 {
		sectorSize = uint64(size)
	}
	return ParseAt(f, sectorSize)
}
