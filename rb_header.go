package flashring

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
)

// defaultEncoding is the byte order for every persisted structure in
// this module. §6 mandates little-endian fields throughout.
var defaultEncoding = binary.LittleEndian

const headerSize = 4 // sizeof(RecordHeader) == sizeof(sectorHeaderRaw)

// Record-header flag bits: the top 3 bits of the CRC byte (byte 3).
const (
	flagSplit      = 1 << 7 // continuation header: this payload continues the previous sector's record
	flagNotSmudged = 1 << 6 // cleared (0) to logically delete the record
	flagReserved   = 1 << 5
	flagMask       = flagSplit | flagNotSmudged | flagReserved
	crcMask        = 0x1f
)

const (
	blankByte  = 0xff
	blankID    = 0xff
	maxLenFlag = 0xffff
)

// RecordHeader is the 4-byte header that precedes every record's
// payload: length, id, and a CRC-5 sharing its byte with 3 flag bits.
// Its on-flash layout is bit-exact with §6: [len_lo, len_hi, id,
// crc+flags].
type RecordHeader struct {
	Len   uint16
	ID    uint8
	Flags uint8 // low 5 bits CRC-5, high 3 bits SPLIT/NOT_SMUDGED/reserved
}

func (h RecordHeader) crc() byte   { return h.Flags & crcMask }
func (h RecordHeader) flags() byte { return h.Flags & flagMask }

func (h RecordHeader) isSplit() bool      { return h.flags()&flagSplit != 0 }
func (h RecordHeader) isNotSmudged() bool { return h.flags()&flagNotSmudged != 0 }

// isBlank reports whether this header is the all-0xFF erased state.
func (h RecordHeader) isBlank() bool {
	return h.ID == blankID && h.Flags == blankByte && h.Len == maxLenFlag
}

// marshalRecordHeader packs a RecordHeader to its 4-byte on-flash form.
func marshalRecordHeader(h RecordHeader) ([]byte, error) {
	return restruct.Pack(defaultEncoding, &h)
}

// unmarshalRecordHeader parses a 4-byte on-flash header.
func unmarshalRecordHeader(raw []byte) (RecordHeader, error) {
	var h RecordHeader
	if err := restruct.Unpack(raw, defaultEncoding, &h); err != nil {
		return RecordHeader{}, err
	}
	return h, nil
}

// newRecordHeader builds a header for id/size with SPLIT/NOT_SMUDGED
// flags and a freshly computed CRC-5 over the three declared bytes
// (len_lo, len_hi, id) — never over the in-memory struct's address,
// per the Open Question resolution in SPEC_FULL.md.
func newRecordHeader(id byte, size uint16, flags byte) RecordHeader {
	h := RecordHeader{Len: size, ID: id}
	crcInput := []byte{byte(size), byte(size >> 8), id}
	h.Flags = crc5(crcInput) | (flags & flagMask)
	return h
}

// sectorHeaderRaw is the 4-byte sector epoch header: byte 0 is a CRC-5
// (high 3 bits unused/reserved, kept 0), bytes 1..3 are the 24-bit
// monotonic epoch index, little-endian — matching the source's
// single-uint32 rb_sector_header with get_index/get_crc accessors.
type sectorHeaderRaw struct {
	Raw uint32
}

type sectorHeader struct {
	index uint32 // 24-bit epoch
	crc   byte   // low 5 bits valid; bits 5-7 unused
}

const sectorIndexMask = 0xffffff

func (s sectorHeader) isBlank() bool {
	return s.toRaw().Raw == 0xffffffff
}

func (s sectorHeader) toRaw() sectorHeaderRaw {
	return sectorHeaderRaw{Raw: (s.index << 8) | uint32(s.crc)}
}

func sectorHeaderFromRaw(raw sectorHeaderRaw) sectorHeader {
	return sectorHeader{
		index: raw.Raw >> 8,
		crc:   byte(raw.Raw & 0xff),
	}
}

func marshalSectorHeader(s sectorHeader) ([]byte, error) {
	raw := s.toRaw()
	return restruct.Pack(defaultEncoding, &raw)
}

func unmarshalSectorHeader(buf []byte) (sectorHeader, error) {
	var raw sectorHeaderRaw
	if err := restruct.Unpack(buf, defaultEncoding, &raw); err != nil {
		return sectorHeader{}, err
	}
	return sectorHeaderFromRaw(raw), nil
}

// newSectorHeader builds the sector header for a given epoch index,
// with a CRC-5 computed over the 4-byte little-endian encoding of the
// index alone (matching ring_buffer.c's make_sector_header, which
// hashes the raw uint32 index).
func newSectorHeader(index uint32) sectorHeader {
	var idxBytes [4]byte
	defaultEncoding.PutUint32(idxBytes[:], index&sectorIndexMask)
	return sectorHeader{index: index & sectorIndexMask, crc: crc5(idxBytes[:])}
}

func (s sectorHeader) valid() bool {
	var idxBytes [4]byte
	defaultEncoding.PutUint32(idxBytes[:], s.index)
	return crc5(idxBytes[:]) == s.crc
}
