package flashring

import "testing"

func TestAdvance_WrapsAtLength(t *testing.T) {
	if got := advance(90, 20, 100); got != 10 {
		t.Fatalf("advance(90,20,100) = %d, want 10", got)
	}
	if got := advance(0, 0, 100); got != 0 {
		t.Fatalf("advance(0,0,100) = %d, want 0", got)
	}
	if got := advance(0, 100, 100); got != 0 {
		t.Fatalf("advance(0,100,100) = %d, want 0", got)
	}
}

func TestDistance_ForwardAndWrapped(t *testing.T) {
	if got := distance(10, 30, 100); got != 20 {
		t.Fatalf("distance(10,30,100) = %d, want 20", got)
	}
	if got := distance(90, 10, 100); got != 20 {
		t.Fatalf("distance(90,10,100) = %d, want 20", got)
	}
	if got := distance(10, 10, 100); got != 0 {
		t.Fatalf("distance(10,10,100) = %d, want 0", got)
	}
}

func TestSectorAndPageHelpers(t *testing.T) {
	const sectorSize = 4096
	const pageSize = 256

	if got := sectorOf(5000, sectorSize); got != 4096 {
		t.Fatalf("sectorOf(5000,4096) = %d, want 4096", got)
	}
	if got := modSector(5000, sectorSize); got != 904 {
		t.Fatalf("modSector(5000,4096) = %d, want 904", got)
	}
	if got := pageOf(5000, pageSize); got != 4864 {
		t.Fatalf("pageOf(5000,256) = %d, want 4864", got)
	}
	if got := modPage(5000, pageSize); got != 136 {
		t.Fatalf("modPage(5000,256) = %d, want 136", got)
	}
}
