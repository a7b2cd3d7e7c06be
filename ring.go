package flashring

// advance returns (pos+step) mod length. CB's restore and RB's byte
// staging wrap through it; CB's advanceAfterAppend and RB's rbIncr and
// CheckSectorRing still wrap inline.
func advance(pos, step, length uint32) uint32 {
	if length == 0 {
		return 0
	}
	return (pos + step) % length
}

// distance returns the forward distance from a to b within a ring of
// the given length, i.e. how many advance(a, ., length) steps of 1
// reach b.
func distance(a, b, length uint32) uint32 {
	if length == 0 {
		return 0
	}
	if b >= a {
		return b - a
	}
	return length - a + b
}

// sectorOf rounds offset down to its containing sector's start.
func sectorOf(offset, sectorSize uint32) uint32 { return offset - offset%sectorSize }

// modSector returns offset's position within its sector.
func modSector(offset, sectorSize uint32) uint32 { return offset % sectorSize }

// pageOf rounds offset down to its containing page's start.
func pageOf(offset, pageSize uint32) uint32 { return offset - offset%pageSize }

// modPage returns offset's position within its page.
func modPage(offset, pageSize uint32) uint32 { return offset % pageSize }
