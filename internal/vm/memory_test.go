package vm

import "testing"

func TestReadWriteRoundTrip(t *testing.T) {
	m := NewMemory(1 << 20)
	if err := m.WriteU32(0x1000, 0xDEADBEEF); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := m.ReadU32(0x1000)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0xDEADBEEF {
		t.Fatalf("got 0x%08X, want 0xDEADBEEF", v)
	}
}

func TestBoundaryAccess(t *testing.T) {
	m := NewMemory(MinSize)
	last := uint32(m.Len() - 4)

	if err := m.WriteU32(last, 1); err != nil {
		t.Fatalf("access at len-w should succeed: %v", err)
	}
	if err := m.WriteU32(last+1, 1); err == nil {
		t.Fatalf("access at len-w+1 should fault")
	}
}

func TestLoadBoot(t *testing.T) {
	m := NewMemory(1 << 20)
	image := []byte{0x01, 0x02, 0x03}
	if err := m.LoadBoot(image); err != nil {
		t.Fatalf("load_boot: %v", err)
	}
	for i, want := range image {
		got, err := m.ReadU8(BootOffset + uint32(i))
		if err != nil {
			t.Fatalf("read byte %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("byte %d: got 0x%02X, want 0x%02X", i, got, want)
		}
	}
}

func TestWidthTruncationAndZeroExtension(t *testing.T) {
	m := NewMemory(1 << 20)
	if err := m.writeTruncated(0x2000, 0x1234ABCD, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := m.readZeroExtended(0x2000, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0xCD {
		t.Fatalf("got 0x%02X, want 0xCD", v)
	}
}
