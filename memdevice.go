package flashring

import (
	"github.com/dsoprea/go-logging"
)

// MemoryDevice is a RAM-backed BlockDevice. It enforces the same
// program-only-clears-bits and erase-sets-0xFF rules a real NOR part
// would, so a test that misuses the contract fails immediately instead
// of silently producing a device that diverges from real flash. Every
// unit test in this module wires one of these in, per the Design
// Notes' "all unit tests wire a RAM-backed fake" guidance.
type MemoryDevice struct {
	data       []byte
	pageSize   uint32
	sectorSize uint32
}

// NewMemoryDevice allocates a blank (all-0xFF) region of size bytes,
// backed by pageSize/sectorSize geometry.
func NewMemoryDevice(size, pageSize, sectorSize uint32) *MemoryDevice {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xff
	}
	return &MemoryDevice{data: data, pageSize: pageSize, sectorSize: sectorSize}
}

// PageSize implements BlockDevice.
func (m *MemoryDevice) PageSize() uint32 { return m.pageSize }

// SectorSize implements BlockDevice.
func (m *MemoryDevice) SectorSize() uint32 { return m.sectorSize }

// ReadAt implements BlockDevice.
func (m *MemoryDevice) ReadAt(offset uint32, p []byte) error {
	if uint64(offset)+uint64(len(p)) > uint64(len(m.data)) {
		return log.Errorf("flashring: read out of range: offset=%d len=%d size=%d", offset, len(p), len(m.data))
	}
	copy(p, m.data[offset:offset+uint32(len(p))])
	return nil
}

// ProgramAt implements BlockDevice.
func (m *MemoryDevice) ProgramAt(offset uint32, p []byte) error {
	if offset%m.pageSize != 0 {
		return log.Errorf("flashring: program offset %d is not page-aligned (page=%d)", offset, m.pageSize)
	}
	if uint32(len(p)) != m.pageSize {
		return log.Errorf("flashring: program length %d must equal page size %d", len(p), m.pageSize)
	}
	if uint64(offset)+uint64(len(p)) > uint64(len(m.data)) {
		return log.Errorf("flashring: program out of range: offset=%d len=%d size=%d", offset, len(p), len(m.data))
	}

	for i, b := range p {
		cur := m.data[offset+uint32(i)]
		// A legal program can only transition bits 1 -> 0.
		if cur&b != b {
			return log.Errorf(
				"flashring: illegal program at offset %d: cannot set an erased-0 bit (have 0x%02x, want 0x%02x)",
				offset+uint32(i), cur, b)
		}
		m.data[offset+uint32(i)] = b
	}
	return nil
}

// EraseAt implements BlockDevice.
func (m *MemoryDevice) EraseAt(offset, n uint32) error {
	if offset%m.sectorSize != 0 {
		return log.Errorf("flashring: erase offset %d is not sector-aligned (sector=%d)", offset, m.sectorSize)
	}
	if n%m.sectorSize != 0 {
		return log.Errorf("flashring: erase length %d is not a sector multiple (sector=%d)", n, m.sectorSize)
	}
	if uint64(offset)+uint64(n) > uint64(len(m.data)) {
		return log.Errorf("flashring: erase out of range: offset=%d len=%d size=%d", offset, n, len(m.data))
	}
	for i := offset; i < offset+n; i++ {
		m.data[i] = 0xff
	}
	return nil
}

// Size returns the total number of bytes backing the device.
func (m *MemoryDevice) Size() uint32 {
	return uint32(len(m.data))
}

// Snapshot returns a read-only view of the backing bytes, for tests
// that need to assert a sequence of calls left the device untouched.
func (m *MemoryDevice) Snapshot() []byte {
	return m.data
}
