package uplink

import "testing"

func TestStandardFrameRejected(t *testing.T) {
	o := NewOutbox(4)
	if o.Push(Frame{ID: 0x123}) {
		t.Fatal("standard-id frame should be rejected")
	}
	if o.Len() != 0 {
		t.Fatalf("len = %d, want 0", o.Len())
	}
}

func TestExtendedFrameAccepted(t *testing.T) {
	o := NewOutbox(4)
	if !o.Push(Frame{ID: 0x1ABCDEF}) {
		t.Fatal("extended-id frame should be accepted")
	}
	if o.Len() != 1 {
		t.Fatalf("len = %d, want 1", o.Len())
	}
}

func TestOverflowDropsAtProducer(t *testing.T) {
	o := NewOutbox(2)
	for i := 0; i < 2; i++ {
		if !o.Push(Frame{ID: extendedIDMask}) {
			t.Fatalf("frame %d should have been accepted", i)
		}
	}
	if o.Push(Frame{ID: extendedIDMask}) {
		t.Fatal("third push into a depth-2 outbox should be dropped")
	}
	if o.Len() != 2 {
		t.Fatalf("len = %d, want 2", o.Len())
	}
}

func TestFIFOOrder(t *testing.T) {
	o := NewOutbox(4)
	o.Push(Frame{ID: extendedIDMask, Data: [8]byte{1}})
	o.Push(Frame{ID: extendedIDMask, Data: [8]byte{2}})
	first := <-o.Drain()
	second := <-o.Drain()
	if first.Data[0] != 1 || second.Data[0] != 2 {
		t.Fatalf("got order %d,%d want 1,2", first.Data[0], second.Data[0])
	}
}

func TestExtendedIDBoundary(t *testing.T) {
	if !IsExtended(extendedIDMask) {
		t.Fatal("0x1FFFFFFF should be extended")
	}
	if IsExtended(extendedIDMask + 1) {
		t.Fatal("0x20000000 should not be a valid 29-bit id")
	}
}
