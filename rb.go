package flashring

import (
	"bytes"
	"errors"
)

// InitChoice selects how NewRingBuffer treats whatever is already on
// the device at baseAddr: trust it and restore, or blow it away.
type InitChoice int

const (
	// CreateRestore scans the region for a valid epoch chain and
	// restores cursor state from it. Returns ErrBadSector if a sector
	// header is corrupt or the epochs are out of order.
	CreateRestore InitChoice = iota
	// CreateInitAlways erases the whole region and starts empty,
	// regardless of what was there.
	CreateInitAlways
	// CreateFail is only meaningful to Recreate: never fall back to
	// CreateInitAlways, just surface the restore error.
	CreateFail
)

// RingBuffer is the variable-size ring log (L2b): self-describing
// records packed sector by sector behind a BlockDevice, with
// oldest-sector-first reclamation and logical deletion by smudging.
// One RingBuffer owns exactly one region of a device; the scratch page
// buffer used to pack writes is private state here rather than a
// caller-supplied parameter, since Go has no equivalent to the
// source's single global page_buffer and nothing is gained by forcing
// callers to carry one. It is not safe for concurrent use; the caller
// serializes access.
type RingBuffer struct {
	dev           BlockDevice
	baseAddress   uint32
	numberOfBytes uint32
	pageSize      uint32
	sectorSize    uint32

	next        uint32 // next unwritten (or next-to-read-from) offset
	lastWrote   uint32 // offset of the most recent header written
	sectorIndex uint32 // highest epoch index observed so far

	pageBuf []byte // scratch, len == pageSize, reset to 0xFF between flushes
}

// Next reports the engine's current write/read cursor, relative to
// the region's base address. Exposed for diagnostics.
func (rb *RingBuffer) Next() uint32 { return rb.next }

// LastWrote reports the offset of the most recently written header.
func (rb *RingBuffer) LastWrote() uint32 { return rb.lastWrote }

// NewRingBuffer opens (or formats) a ring log of the given size in
// sectors. With choice == CreateRestore it runs CheckSectorRing and
// positions the cursor at the oldest sector; with CreateInitAlways it
// erases the whole region and starts fresh at offset 0.
func NewRingBuffer(dev BlockDevice, baseAddr uint32, sectors uint32, choice InitChoice) (*RingBuffer, error) {
	if dev == nil || sectors < 1 {
		return nil, ErrBadCallerData
	}

	pageSize := dev.PageSize()
	sectorSize := dev.SectorSize()
	rb := &RingBuffer{
		dev:           dev,
		baseAddress:   baseAddr,
		numberOfBytes: sectors * sectorSize,
		pageSize:      pageSize,
		sectorSize:    sectorSize,
		pageBuf:       make([]byte, pageSize),
	}
	rb.resetPageBuf()

	if choice == CreateInitAlways {
		if err := dev.EraseAt(baseAddr, rb.numberOfBytes); err != nil {
			return nil, err
		}
		return rb, nil
	}

	err := rb.CheckSectorRing()
	if err == nil {
		if serr := rb.findRingOldestSector(); serr != nil && !errors.Is(serr, ErrBlankHeader) {
			err = serr
		}
	}
	return rb, err
}

// Recreate opens the region and, unless choice is CreateFail, falls
// back to a full CreateInitAlways format when the existing contents
// don't check out (anything other than a clean restore or an
// all-blank region).
func Recreate(dev BlockDevice, baseAddr uint32, sectors uint32, choice InitChoice) (*RingBuffer, error) {
	rb, err := NewRingBuffer(dev, baseAddr, sectors, choice)
	if choice == CreateFail {
		return rb, err
	}
	if err == nil || errors.Is(err, ErrBlankHeader) {
		return rb, err
	}
	return NewRingBuffer(dev, baseAddr, sectors, CreateInitAlways)
}

// resetPageBuf fills the scratch page buffer with the erased state.
func (rb *RingBuffer) resetPageBuf() {
	for i := range rb.pageBuf {
		rb.pageBuf[i] = blankByte
	}
}

// primePageBuf resets the scratch buffer and, if the cursor sits
// mid-page (resuming a page a previous Append left partially
// written), reloads the already-programmed leading bytes from flash.
// Without this, reprogramming the page later would try to force
// already-cleared bits back to 0xFF, which no NOR part allows.
func (rb *RingBuffer) primePageBuf() error {
	rb.resetPageBuf()
	off := modPage(rb.next, rb.pageSize)
	if off == 0 {
		return nil
	}
	pageStart := rb.next - off
	existing := make([]byte, off)
	if err := rb.dev.ReadAt(rb.baseAddress+pageStart, existing); err != nil {
		return err
	}
	copy(rb.pageBuf[:off], existing)
	return nil
}

// stageByte writes one byte into the scratch buffer at the cursor's
// in-page position, advances the cursor, and flushes the page to the
// device the moment it fills.
func (rb *RingBuffer) stageByte(b byte) error {
	prevNext := rb.next
	off := modPage(prevNext, rb.pageSize)
	rb.pageBuf[off] = b
	rb.next = advance(prevNext, 1, rb.numberOfBytes)
	if off == rb.pageSize-1 {
		pageStart := prevNext - off
		if err := rb.dev.ProgramAt(rb.baseAddress+pageStart, rb.pageBuf); err != nil {
			return err
		}
		rb.resetPageBuf()
	}
	return nil
}

func (rb *RingBuffer) stageBytes(data []byte) error {
	for _, b := range data {
		if err := rb.stageByte(b); err != nil {
			return err
		}
	}
	return nil
}

// flushPartialPage programs whatever has been staged into the current
// page if the page hasn't already been flushed by stageByte. Called
// once a record's bytes are exhausted without having filled the page.
func (rb *RingBuffer) flushPartialPage() error {
	off := modPage(rb.next, rb.pageSize)
	if off == 0 {
		return nil
	}
	pageStart := rb.next - off
	if err := rb.dev.ProgramAt(rb.baseAddress+pageStart, rb.pageBuf); err != nil {
		return err
	}
	rb.resetPageBuf()
	return nil
}

// classifyHeader decides whether a just-read RecordHeader is blank,
// malformed, or good, checking its CRC-5 against the three declared
// bytes it was computed from.
func classifyHeader(h RecordHeader) error {
	if h.isBlank() {
		return ErrBlankHeader
	}
	if h.ID == blankID || h.Len == 0 {
		return ErrBadHeader
	}
	want := crc5([]byte{byte(h.Len), byte(h.Len >> 8), h.ID})
	if h.crc() != want {
		return ErrBadHeader
	}
	return nil
}

// fetchAndCheckHeader reads the header at rb.next+jumpto. If that
// position falls on a sector boundary, it first reads and validates
// the sector epoch header there, advances rb.next past it, and
// re-reads the record header that follows — the one place rb.next
// mutates as a side effect of merely looking at a header.
func (rb *RingBuffer) fetchAndCheckHeader(jumpto uint32) (RecordHeader, error) {
	nextOffs := rb.next + jumpto
	buf := make([]byte, headerSize)
	if err := rb.dev.ReadAt(rb.baseAddress+nextOffs, buf); err != nil {
		return RecordHeader{}, err
	}

	if modSector(nextOffs, rb.sectorSize) == 0 {
		sh, err := unmarshalSectorHeader(buf)
		if err != nil {
			return RecordHeader{}, err
		}
		if sh.isBlank() {
			return RecordHeader{}, ErrBlankHeader
		}
		if !sh.valid() {
			return RecordHeader{}, ErrBadSector
		}
		rb.next += headerSize
		nextOffs = rb.next + jumpto
		if err := rb.dev.ReadAt(rb.baseAddress+nextOffs, buf); err != nil {
			return RecordHeader{}, err
		}
	}

	hdr, err := unmarshalRecordHeader(buf)
	if err != nil {
		return RecordHeader{}, err
	}
	return hdr, classifyHeader(hdr)
}

// rbIncr advances past a record of the given total size (header +
// payload), skipping to the next sector instead of splitting across
// the trailing "gap" bytes that every sector reserves (RB-3).
func (rb *RingBuffer) rbIncr(oldOffset, step uint32) uint32 {
	var next uint32
	switch {
	case step > rb.sectorSize:
		next = sectorOf(oldOffset, rb.sectorSize) + rb.sectorSize
	case modSector(oldOffset, rb.sectorSize)+step > rb.sectorSize-(headerSize+1):
		next = sectorOf(oldOffset, rb.sectorSize) + rb.sectorSize
	default:
		next = oldOffset + step
	}
	if next >= rb.numberOfBytes {
		next = 0
	}
	return next
}

// nextIncr advances rb.next by n, wrapping at the region size — used
// by findNextWritable to skip to the start of the following sector.
func (rb *RingBuffer) nextIncr(n uint32) {
	rb.next = advance(rb.next, n, rb.numberOfBytes)
}

// findNextWritable walks headers from rb.next until it lands on a
// blank one (the next writable slot) or concludes the whole region is
// full of valid headers (ErrHdrLoop).
func (rb *RingBuffer) findNextWritable() error {
	origNext := rb.next
	for {
		if modSector(rb.next, rb.sectorSize) > rb.sectorSize-headerSize-1 {
			rb.nextIncr(rb.sectorSize - modSector(rb.next, rb.sectorSize))
		}
		hdr, err := rb.fetchAndCheckHeader(0)
		if err != nil {
			return err
		}
		rb.next = rb.rbIncr(rb.next, uint32(hdr.Len)+headerSize)
		if rb.next == origNext {
			rb.next = sectorOf(rb.next, rb.sectorSize)
			return ErrHdrLoop
		}
	}
}

// findRingOldestSector scans every sector header, remembers the one
// with the lowest epoch index (the next to reclaim) and the highest
// (to seed future epochs), and leaves rb.next pointing at the oldest.
func (rb *RingBuffer) findRingOldestSector() error {
	numSectors := rb.numberOfBytes / rb.sectorSize
	oldestIndex := uint32(sectorIndexMask)
	oldNext := uint32(0)
	var result error = ErrBadHeader

	for i := int(numSectors) - 1; i >= 0; i-- {
		offs := uint32(i) * rb.sectorSize
		buf := make([]byte, headerSize)
		if err := rb.dev.ReadAt(rb.baseAddress+offs, buf); err != nil {
			return err
		}
		sh, err := unmarshalSectorHeader(buf)
		if err != nil {
			return err
		}
		switch {
		case sh.isBlank():
			result = ErrBlankHeader
		case sh.valid():
			result = nil
			if sh.index < oldestIndex {
				oldestIndex = sh.index
				oldNext = offs
			}
			if sh.index >= rb.sectorIndex {
				rb.sectorIndex = sh.index
			}
		default:
			return ErrBadSector
		}
	}

	rb.next = oldNext
	return result
}

// CheckSectorRing validates the whole epoch chain: every sector
// header is either blank or a valid, strictly increasing ring of
// indices starting at the oldest blank-or-wrap boundary. It is the
// integrity check NewRingBuffer runs before trusting existing content.
func (rb *RingBuffer) CheckSectorRing() error {
	numSectors := rb.numberOfBytes / rb.sectorSize
	blankCount := 0
	lastBlankSector := uint32(0)
	var checkStatus error

	for i := uint32(0); i < numSectors; i++ {
		off := i * rb.sectorSize
		buf := make([]byte, headerSize)
		if err := rb.dev.ReadAt(rb.baseAddress+off, buf); err != nil {
			return err
		}
		sh, err := unmarshalSectorHeader(buf)
		if err != nil {
			return err
		}
		switch {
		case sh.isBlank():
			blankCount++
			lastBlankSector = off
		case sh.valid():
			if sh.index >= rb.sectorIndex {
				rb.sectorIndex = sh.index
			}
		default:
			checkStatus = ErrBadSector
		}
	}

	if blankCount == 0 {
		if err := rb.findRingOldestSector(); err != nil && !errors.Is(err, ErrBlankHeader) {
			return err
		}
		lastBlankSector = rb.next
	}

	low := uint32(0)
	for i := uint32(0); i < numSectors && checkStatus == nil; i++ {
		off := i*rb.sectorSize + lastBlankSector
		if off >= rb.numberOfBytes {
			off -= rb.numberOfBytes
		}
		buf := make([]byte, headerSize)
		if err := rb.dev.ReadAt(rb.baseAddress+off, buf); err != nil {
			return err
		}
		sh, err := unmarshalSectorHeader(buf)
		if err != nil {
			return err
		}
		if !sh.valid() {
			continue
		}
		if sh.index <= low {
			checkStatus = ErrBadSector
		}
		low = sh.index
	}

	return checkStatus
}

// countBlanks counts leading 0xFF bytes starting at offset, up to max.
func (rb *RingBuffer) countBlanks(offset, max uint32) (uint32, error) {
	buf := make([]byte, max)
	if err := rb.dev.ReadAt(rb.baseAddress+offset, buf); err != nil {
		return 0, err
	}
	for i, b := range buf {
		if b != blankByte {
			return uint32(i), nil
		}
	}
	return max, nil
}

// sectorBlankScan reports how many contiguous blank bytes follow
// rb.next, looking into the following sector too when the current one
// is entirely blank from here on (needed to decide whether a
// two-sector split record actually fits).
func (rb *RingBuffer) sectorBlankScan() (uint32, error) {
	sizeInSector := rb.sectorSize - modSector(rb.next, rb.sectorSize)
	blanks, err := rb.countBlanks(rb.next, sizeInSector)
	if err != nil {
		return 0, err
	}
	if blanks == sizeInSector {
		offs := sectorOf(rb.next, rb.sectorSize) + rb.sectorSize
		if offs >= rb.numberOfBytes {
			offs = 0
		}
		more, err := rb.countBlanks(offs, rb.sectorSize)
		if err != nil {
			return 0, err
		}
		blanks += more
	}
	return blanks, nil
}

// makeSectorHeader increments the running epoch and builds the header
// for it; called once per sector, at the first write into that sector.
func (rb *RingBuffer) makeSectorHeader() sectorHeader {
	rb.sectorIndex++
	return newSectorHeader(rb.sectorIndex)
}

// writeHeaders stages a sector header (only if rb.next sits on a
// sector boundary) followed by the record header for id/size/flags.
func (rb *RingBuffer) writeHeaders(id byte, size uint16, flags byte) error {
	rb.lastWrote = rb.next
	if modSector(rb.next, rb.sectorSize) == 0 {
		sh := rb.makeSectorHeader()
		raw, err := marshalSectorHeader(sh)
		if err != nil {
			return err
		}
		if err := rb.stageBytes(raw); err != nil {
			return err
		}
	}
	hdr := newRecordHeader(id, size, flags)
	raw, err := marshalRecordHeader(hdr)
	if err != nil {
		return err
	}
	return rb.stageBytes(raw)
}

// sectorAppend writes one record starting at rb.next, splitting it
// across a sector boundary (SPLIT flag, continuation header in the
// next sector) when it doesn't fit whole, and recursing for any
// further remainder beyond that.
func (rb *RingBuffer) sectorAppend(id byte, data []byte) error {
	size := uint32(len(data))
	if size == 0 || id == blankID || id == 0 || size+headerSize > rb.numberOfBytes {
		return ErrBadCallerData
	}

	sizeNeeded := size + headerSize
	blanks, err := rb.sectorBlankScan()
	if err != nil {
		return err
	}
	if blanks < sizeNeeded {
		return ErrFull
	}

	roomInSector := rb.sectorSize - modSector(rb.next, rb.sectorSize)
	if sizeNeeded < roomInSector {
		if err := rb.writeHeaders(id, uint16(size), flagNotSmudged); err != nil {
			return err
		}
		if err := rb.stageBytes(data); err != nil {
			return err
		}
		return rb.flushPartialPage()
	}

	// Doesn't fit in what remains of this sector: write a first part
	// here, then a SPLIT continuation at the start of the next sector,
	// only once that sector is confirmed blank.
	sizeInFirst := roomInSector - headerSize
	if modSector(rb.next, rb.sectorSize) == 0 {
		// writeHeaders will also emit a sector header here, claiming
		// another headerSize bytes before the record header.
		sizeInFirst -= headerSize
	}
	if sizeInFirst > size {
		sizeInFirst = size
	}

	nextSector := sectorOf(rb.next, rb.sectorSize) + rb.sectorSize
	if nextSector >= rb.numberOfBytes {
		nextSector = 0
	}
	savedNext := rb.next
	jumpto := nextSector - rb.next // wraps mod 2^32 exactly like the source's pointer subtraction
	_, peekErr := rb.fetchAndCheckHeader(jumpto)
	if !errors.Is(peekErr, ErrBlankHeader) {
		rb.next = savedNext
		if peekErr == nil {
			return ErrWrappedSectorUsed
		}
		return peekErr
	}
	rb.next = savedNext

	if err := rb.writeHeaders(id, uint16(sizeInFirst), flagNotSmudged); err != nil {
		return err
	}
	if err := rb.stageBytes(data[:sizeInFirst]); err != nil {
		return err
	}
	if err := rb.flushPartialPage(); err != nil {
		return err
	}

	sizeInSecond := size - sizeInFirst
	maxSecond := rb.sectorSize - headerSize - headerSize // sector header + record header share this sector
	if sizeInSecond > maxSecond {
		sizeInSecond = maxSecond
	}
	if err := rb.writeHeaders(id, uint16(sizeInSecond), flagSplit|flagNotSmudged); err != nil {
		return err
	}
	if err := rb.stageBytes(data[sizeInFirst : sizeInFirst+sizeInSecond]); err != nil {
		return err
	}
	if err := rb.flushPartialPage(); err != nil {
		return err
	}

	remaining := size - sizeInFirst - sizeInSecond
	if remaining > 0 {
		return rb.sectorAppend(id, data[sizeInFirst+sizeInSecond:])
	}
	return nil
}

// Rewind repositions the read cursor at the oldest sector, the point
// Read/Find/Delete scan forward from. Exported so callers that need a
// full, repeatable pass over the ring (the kv package's "latest
// value" and duplicate-pruning logic) can restart a scan without
// reopening the region.
func (rb *RingBuffer) Rewind() error {
	return rb.findRingOldestSector()
}

// Append writes data under id, reclaiming the oldest sector first if
// eraseIfFull is set and the region is full (ErrHdrLoop/ErrFull from
// the search) or the record would otherwise collide with the next
// sector's still-live content (ErrWrappedSectorUsed).
func (rb *RingBuffer) Append(id byte, data []byte, eraseIfFull bool) error {
	if len(data) == 0 || id == blankID || id == 0 || uint32(len(data))+headerSize > rb.numberOfBytes {
		return ErrBadCallerData
	}

	oldNext := rb.next
	defer func() { rb.next = oldNext }()

	var result error
	for {
		if err := rb.findRingOldestSector(); err != nil && !errors.Is(err, ErrBlankHeader) {
			result = err
			break
		}

		writeErr := rb.findNextWritable()
		if errors.Is(writeErr, ErrHdrLoop) && eraseIfFull {
			if err := rb.reclaimOldestSector(); err != nil {
				result = err
				break
			}
			writeErr = ErrBlankHeader
		}

		if !errors.Is(writeErr, ErrBlankHeader) {
			result = writeErr
			break
		}

		if err := rb.primePageBuf(); err != nil {
			result = err
			break
		}
		appendErr := rb.sectorAppend(id, data)
		if (errors.Is(appendErr, ErrWrappedSectorUsed) || errors.Is(appendErr, ErrFull)) && eraseIfFull {
			if err := rb.reclaimOldestSector(); err != nil {
				result = err
				break
			}
			continue
		}
		result = appendErr
		break
	}

	return result
}

// reclaimOldestSector finds and erases the lowest-epoch sector,
// freeing it for new writes.
func (rb *RingBuffer) reclaimOldestSector() error {
	if err := rb.findRingOldestSector(); err != nil && !errors.Is(err, ErrBlankHeader) {
		return err
	}
	target := sectorOf(rb.next, rb.sectorSize)
	return rb.dev.EraseAt(rb.baseAddress+target, rb.sectorSize)
}

// Read copies the first live (non-smudged) record matching id into
// out, starting from rb.next, returning the number of bytes copied.
func (rb *RingBuffer) Read(id byte, out []byte) (int, error) {
	if id == blankID || id == 0 {
		return 0, ErrBadCallerData
	}
	if len(out) == 0 || uint32(len(out))+headerSize > rb.numberOfBytes {
		return 0, ErrBadCallerData
	}
	return rb.readInto(id, out)
}

// readInto is Read's recursive engine: it also handles reassembling a
// SPLIT record whose continuation lives at the start of the next
// sector.
func (rb *RingBuffer) readInto(id byte, out []byte) (int, error) {
	origNext := sectorOf(rb.next, rb.sectorSize)
	remaining := uint32(len(out))

	for {
		hdr, err := rb.fetchAndCheckHeader(0)
		if err != nil {
			return 0, err
		}

		if hdr.ID != id || !hdr.isNotSmudged() {
			rb.next = rb.rbIncr(rb.next, uint32(hdr.Len)+headerSize)
			if rb.next == origNext {
				return 0, ErrHdrIDNotFound
			}
			continue
		}

		readSize := uint32(hdr.Len)
		if readSize > remaining {
			readSize = remaining
		}
		rb.next += headerSize
		if err := rb.dev.ReadAt(rb.baseAddress+rb.next, out[:readSize]); err != nil {
			return 0, err
		}
		rb.next = rb.rbIncr(rb.next, uint32(hdr.Len))
		totalRead := int(readSize)

		if modSector(rb.next, rb.sectorSize) == 0 {
			peek, peekErr := rb.fetchAndCheckHeader(0)
			if peekErr != nil && !errors.Is(peekErr, ErrBlankHeader) {
				return 0, peekErr
			}
			if peekErr == nil && peek.ID == id && peek.isSplit() {
				more, err := rb.readInto(id, out[readSize:])
				if err == nil {
					totalRead += more
				}
			}
		}
		return totalRead, nil
	}
}

// Find scans forward from rb.next for the first live record under id
// whose payload begins with pattern, returning the offset of its header.
// ErrHdrIDNotFound means the whole ring was scanned without a match.
func (rb *RingBuffer) Find(id byte, pattern []byte) (int, error) {
	if id == blankID || id == 0 || len(pattern) == 0 || uint32(len(pattern))+headerSize > rb.numberOfBytes {
		return 0, ErrBadCallerData
	}

	origNext := sectorOf(rb.next, rb.sectorSize)
	scratch := make([]byte, len(pattern))

	for {
		hdr, err := rb.fetchAndCheckHeader(0)
		if err != nil {
			return 0, err
		}

		if hdr.ID != id || !hdr.isNotSmudged() {
			rb.next = rb.rbIncr(rb.next, uint32(hdr.Len)+headerSize)
			if rb.next == origNext {
				return 0, ErrHdrIDNotFound
			}
			continue
		}

		oldNext := rb.next
		n, err := rb.readInto(id, scratch)
		if err != nil {
			return 0, err
		}
		if n == len(pattern) && bytes.Equal(pattern, scratch) {
			return int(oldNext), nil
		}
	}
}

// smudge clears the NOT_SMUDGED bit of the header at offset, logically
// deleting the record without touching its payload or shifting
// anything else.
func (rb *RingBuffer) smudge(offset uint32) error {
	savedNext := rb.next
	defer func() { rb.next = savedNext }()

	rb.next = offset
	hdr, err := rb.fetchAndCheckHeader(0)
	if err != nil {
		return err
	}
	hdr.Flags &^= flagNotSmudged

	flagsOffset := rb.next + 3 // RecordHeader{Len(2),ID(1),Flags(1)}: Flags is the last byte
	pageStart := pageOf(flagsOffset, rb.pageSize)
	page := make([]byte, rb.pageSize)
	if err := rb.dev.ReadAt(rb.baseAddress+pageStart, page); err != nil {
		return err
	}
	page[modPage(flagsOffset, rb.pageSize)] = hdr.Flags
	return rb.dev.ProgramAt(rb.baseAddress+pageStart, page)
}

// Delete logically removes the first live record matching id/pattern
// by smudging its header; the payload is left in place until its
// sector is eventually reclaimed.
func (rb *RingBuffer) Delete(id byte, pattern []byte) error {
	if id == blankID || id == 0 {
		return ErrBadCallerData
	}

	oldNext := rb.next
	defer func() { rb.next = oldNext }()

	if err := rb.findRingOldestSector(); err != nil && !errors.Is(err, ErrBlankHeader) {
		return err
	}
	offset, err := rb.Find(id, pattern)
	if err != nil {
		return err
	}
	return rb.smudge(uint32(offset))
}
