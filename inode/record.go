package inode

import "encoding/binary"

// Magic identifies a valid on-disk inode record.
const Magic = uint32(0x494e4f44)

// Fixed block-pointer slot indices within Record.Blocks.
const (
	directSlots  = 10
	indirectSlot = 10
	doubleSlot   = 11

	// PointersPerSector is how many 4-byte sector ids fit in one sector's
	// worth of an indirect or doubly-indirect block.
	PointersPerSector = 512 / 4

	// MaxDirectBytes, MaxIndirectBytes and MaxDoubleBytes are the byte-range
	// boundaries the three block-pointer tiers can address, mirroring
	// byte_to_sector's arithmetic.
	MaxDirectBytes   = directSlots * 512
	MaxIndirectBytes = MaxDirectBytes + PointersPerSector*512
	MaxDoubleBytes   = MaxIndirectBytes + PointersPerSector*PointersPerSector*512
)

const (
	offBlocks             = 0
	offDirectUsage        = offBlocks + 12*4
	offIndirectUsed       = offDirectUsage + 4
	offIndirectBlockUsage = offIndirectUsed + 4
	offDoubleUsed         = offIndirectBlockUsage + 4
	offDoubleL1Usage      = offDoubleUsed + 4
	offDoubleL2Usage      = offDoubleL1Usage + 4
	offSectorUsage        = offDoubleL2Usage + 4
	offLength             = offSectorUsage + 4
	offMagic              = offLength + 4
	offIsDir              = offMagic + 4
	offParent             = offIsDir + 4 // leave room for alignment
	recordHeaderLen       = offParent + 4
)

// Record is the on-disk inode record: exactly one sector long, holding the
// block-pointer tree, usage counters, and metadata for one file or
// directory.
type Record struct {
	Blocks             [12]uint32
	DirectUsage        uint32
	IndirectUsed       uint32
	IndirectBlockUsage uint32
	DoubleUsed         uint32
	DoubleL1Usage      uint32
	DoubleL2Usage      uint32
	SectorUsage        uint32
	Length             uint32
	Magic              uint32
	IsDir              bool
	Parent             uint32
}

// BytesToSectors returns the number of sectors needed to hold size bytes.
func BytesToSectors(size uint32) uint32 {
	return (size + 511) / 512
}

// ToBytes serializes r into a zero-padded, sector-sized buffer.
func (r *Record) ToBytes() []byte {
	buf := make([]byte, 512)
	for i, b := range r.Blocks {
		binary.LittleEndian.PutUint32(buf[i*4:], b)
	}
	binary.LittleEndian.PutUint32(buf[offDirectUsage:], r.DirectUsage)
	binary.LittleEndian.PutUint32(buf[offIndirectUsed:], r.IndirectUsed)
	binary.LittleEndian.PutUint32(buf[offIndirectBlockUsage:], r.IndirectBlockUsage)
	binary.LittleEndian.PutUint32(buf[offDoubleUsed:], r.DoubleUsed)
	binary.LittleEndian.PutUint32(buf[offDoubleL1Usage:], r.DoubleL1Usage)
	binary.LittleEndian.PutUint32(buf[offDoubleL2Usage:], r.DoubleL2Usage)
	binary.LittleEndian.PutUint32(buf[offSectorUsage:], r.SectorUsage)
	binary.LittleEndian.PutUint32(buf[offLength:], r.Length)
	binary.LittleEndian.PutUint32(buf[offMagic:], r.Magic)
	if r.IsDir {
		buf[offIsDir] = 1
	}
	binary.LittleEndian.PutUint32(buf[offParent:], r.Parent)
	return buf
}

// RecordFromBytes parses a sector-sized buffer into a Record.
func RecordFromBytes(buf []byte) *Record {
	r := &Record{}
	for i := range r.Blocks {
		r.Blocks[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	r.DirectUsage = binary.LittleEndian.Uint32(buf[offDirectUsage:])
	r.IndirectUsed = binary.LittleEndian.Uint32(buf[offIndirectUsed:])
	r.IndirectBlockUsage = binary.LittleEndian.Uint32(buf[offIndirectBlockUsage:])
	r.DoubleUsed = binary.LittleEndian.Uint32(buf[offDoubleUsed:])
	r.DoubleL1Usage = binary.LittleEndian.Uint32(buf[offDoubleL1Usage:])
	r.DoubleL2Usage = binary.LittleEndian.Uint32(buf[offDoubleL2Usage:])
	r.SectorUsage = binary.LittleEndian.Uint32(buf[offSectorUsage:])
	r.Length = binary.LittleEndian.Uint32(buf[offLength:])
	r.Magic = binary.LittleEndian.Uint32(buf[offMagic:])
	r.IsDir = buf[offIsDir] != 0
	r.Parent = binary.LittleEndian.Uint32(buf[offParent:])
	return r
}

// pointersFromBytes/pointersToBytes convert one sector's worth of indirect
// block pointers to and from their on-disk form.
func pointersFromBytes(buf []byte) [PointersPerSector]uint32 {
	var p [PointersPerSector]uint32
	for i := range p {
		p[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return p
}

func pointersToBytes(p [PointersPerSector]uint32) []byte {
	buf := make([]byte, 512)
	for i, v := range p {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}
