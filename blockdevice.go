package flashring

// BlockDevice is the three-operation flash interface every engine in
// this module is layered over. It is the capability the Design Notes
// call for in place of a global flash driver: a small interface passed
// into each engine instance, with a RAM- or file-backed implementation
// wired in by the caller.
//
// Implementations must honor the NOR flash contract:
//
//   - ReadAt always succeeds and returns byte-identical contents of the
//     last committed write.
//   - ProgramAt requires offset%PageSize()==0 and len(p)==PageSize();
//     each destination bit must already be 1 (erased) or equal to the
//     source bit — program can only clear bits, never set them.
//   - EraseAt requires offset%SectorSize()==0 and n%SectorSize()==0;
//     it sets every byte in the range to 0xFF.
//
// A BlockDevice never retries and never masks interrupts; that is the
// concern of whatever sits below it. A failing operation is an
// environmental failure that the engines propagate, not one they paper
// over.
type BlockDevice interface {
	ReadAt(offset uint32, p []byte) error
	ProgramAt(offset uint32, p []byte) error
	EraseAt(offset, n uint32) error
	PageSize() uint32
	SectorSize() uint32
}
