package storage

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	flash := newMemFlash(8192)
	nvm := New(flash, 0)

	cases := []struct {
		block   Block
		payload []byte
	}{
		{PrivateKey, []byte("pkcs8-der-bytes-stand-in")},
		{PublicKey, []byte("pub-key-bytes")},
		{DeploymentData, []byte(`{"id":"dep-1","artifact_name":"rel-2.0.0"}`)},
		{DeviceConfig, []byte(`{"wake_interval":"15m"}`)},
	}
	for _, c := range cases {
		if err := nvm.Write(c.block, c.payload); err != nil {
			t.Fatalf("write block %d: %v", c.block, err)
		}
	}
	for _, c := range cases {
		got, err := nvm.Read(c.block)
		if err != nil {
			t.Fatalf("read block %d: %v", c.block, err)
		}
		if !bytes.Equal(got, c.payload) {
			t.Errorf("block %d = %q, want %q", c.block, got, c.payload)
		}
	}
}

func TestReadEmptyBlockIsNotFound(t *testing.T) {
	flash := newMemFlash(8192)
	nvm := New(flash, 0)
	if _, err := nvm.Read(DeviceConfig); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestWriteOversizeRejected(t *testing.T) {
	flash := newMemFlash(8192)
	nvm := New(flash, 0)
	big := make([]byte, publicKeyMax+1)
	if err := nvm.Write(PublicKey, big); err != ErrLenInvalid {
		t.Fatalf("err = %v, want ErrLenInvalid", err)
	}
}

func TestInvalidBlockID(t *testing.T) {
	flash := newMemFlash(8192)
	nvm := New(flash, 0)
	if _, err := nvm.Read(Block(99)); err != ErrIDInvalid {
		t.Fatalf("err = %v, want ErrIDInvalid", err)
	}
}

func TestBlocksDoNotOverlap(t *testing.T) {
	flash := newMemFlash(8192)
	nvm := New(flash, 0)
	layout := nvm.layout()
	for i := 0; i < int(numBlocks)-1; i++ {
		cur := layout[i]
		next := layout[i+1]
		if cur.offset+4+uint32(cur.maxLen) > next.offset {
			t.Fatalf("block %d overlaps block %d", i, i+1)
		}
	}
}
