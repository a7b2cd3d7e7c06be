package flashring

import "testing"

func TestCRC5_RangeAndDeterminism(t *testing.T) {
	data := []byte{0x10, 0x00, 0x05}
	a := crc5(data)
	b := crc5(data)
	if a != b {
		t.Fatalf("crc5 not deterministic: 0x%x != 0x%x", a, b)
	}
	if a&^0x1f != 0 {
		t.Fatalf("crc5 result 0x%x has bits set above the 5-bit field", a)
	}
}

func TestCRC5_DetectsSingleByteChange(t *testing.T) {
	a := crc5([]byte{0x10, 0x00, 0x05})
	b := crc5([]byte{0x11, 0x00, 0x05})
	if a == b {
		t.Fatalf("crc5 did not change when a header byte changed")
	}
}

// TestCRC5_GoldenVector pins the CRC of the record-header bytes
// (len_lo, len_hi, id) = (0x00, 0x00, 0x01).
func TestCRC5_GoldenVector(t *testing.T) {
	if got := crc5([]byte{0x00, 0x00, 0x01}); got != 0x03 {
		t.Fatalf("crc5(00 00 01) = 0x%02x, want 0x03", got)
	}
}

func TestCRC5_DetectsLengthChange(t *testing.T) {
	a := crc5([]byte{0x10, 0x00, 0x05})
	b := crc5([]byte{0x20, 0x00, 0x05})
	if a == b {
		t.Fatalf("crc5 did not change when the length byte changed")
	}
}
