package flashring

import (
	"os"

	"github.com/dsoprea/go-logging"
)

// FileDevice backs a flash region with a regular file, so a region can
// persist across process restarts the way real flash survives a
// reboot. It enforces the same program/erase contract as MemoryDevice.
// This is the hosted stand-in for "simulate a reboot" in the boundary
// scenarios (spec §8): open, operate, close, reopen the same file and
// the engines restore from what is on disk.
type FileDevice struct {
	f          *os.File
	size       uint32
	pageSize   uint32
	sectorSize uint32
}

// OpenFileDevice opens (creating if necessary) a file-backed region of
// size bytes. A freshly created file is zero-filled by the OS, not
// 0xFF-filled, so OpenFileDevice erases it to the blank flash state on
// first creation.
func OpenFileDevice(path string, size, pageSize, sectorSize uint32) (*FileDevice, error) {
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, log.Wrap(err)
	}

	fd := &FileDevice{f: f, size: size, pageSize: pageSize, sectorSize: sectorSize}

	if !existed {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, log.Wrap(err)
		}
		if err := fd.EraseAt(0, size); err != nil {
			f.Close()
			return nil, log.Wrap(err)
		}
	}

	return fd, nil
}

// Close closes the underlying file.
func (fd *FileDevice) Close() error {
	return fd.f.Close()
}

// PageSize implements BlockDevice.
func (fd *FileDevice) PageSize() uint32 { return fd.pageSize }

// SectorSize implements BlockDevice.
func (fd *FileDevice) SectorSize() uint32 { return fd.sectorSize }

// ReadAt implements BlockDevice.
func (fd *FileDevice) ReadAt(offset uint32, p []byte) error {
	if uint64(offset)+uint64(len(p)) > uint64(fd.size) {
		return log.Errorf("flashring: read out of range: offset=%d len=%d size=%d", offset, len(p), fd.size)
	}
	if _, err := fd.f.ReadAt(p, int64(offset)); err != nil {
		return log.Wrap(err)
	}
	return nil
}

// ProgramAt implements BlockDevice.
func (fd *FileDevice) ProgramAt(offset uint32, p []byte) error {
	if offset%fd.pageSize != 0 {
		return log.Errorf("flashring: program offset %d is not page-aligned (page=%d)", offset, fd.pageSize)
	}
	if uint32(len(p)) != fd.pageSize {
		return log.Errorf("flashring: program length %d must equal page size %d", len(p), fd.pageSize)
	}

	cur := make([]byte, len(p))
	if err := fd.ReadAt(offset, cur); err != nil {
		return err
	}
	for i, b := range p {
		if cur[i]&b != b {
			return log.Errorf(
				"flashring: illegal program at offset %d: cannot set an erased-0 bit (have 0x%02x, want 0x%02x)",
				offset+uint32(i), cur[i], b)
		}
	}
	if _, err := fd.f.WriteAt(p, int64(offset)); err != nil {
		return log.Wrap(err)
	}
	return nil
}

// EraseAt implements BlockDevice.
func (fd *FileDevice) EraseAt(offset, n uint32) error {
	if offset%fd.sectorSize != 0 {
		return log.Errorf("flashring: erase offset %d is not sector-aligned (sector=%d)", offset, fd.sectorSize)
	}
	if n%fd.sectorSize != 0 {
		return log.Errorf("flashring: erase length %d is not a sector multiple (sector=%d)", n, fd.sectorSize)
	}
	blank := make([]byte, n)
	for i := range blank {
		blank[i] = 0xff
	}
	if _, err := fd.f.WriteAt(blank, int64(offset)); err != nil {
		return log.Wrap(err)
	}
	return nil
}

// Size returns the total number of bytes backing the device.
func (fd *FileDevice) Size() uint32 {
	return fd.size
}
