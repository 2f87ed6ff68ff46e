package main

import (
	"os"
	"path/filepath"
	"testing"
)

const tarBlockSize = 512

func ustarHeader(name string, size uint64) []byte {
	var h [tarBlockSize]byte
	copy(h[0:100], name)
	octal := func(v uint64, width int) []byte {
		b := make([]byte, width)
		for i := width - 2; i >= 0; i-- {
			b[i] = byte('0' + v%8)
			v /= 8
		}
		b[width-1] = 0
		return b
	}
	copy(h[124:136], octal(size, 12))
	copy(h[257:263], "ustar\x00")
	return h[:]
}

func padTo512(data []byte) []byte {
	out := append([]byte(nil), data...)
	if rem := len(out) % tarBlockSize; rem != 0 {
		out = append(out, make([]byte, tarBlockSize-rem)...)
	}
	return out
}

func zeroBlock() []byte {
	return make([]byte, tarBlockSize)
}

func tarFile(name string, content []byte) []byte {
	var out []byte
	out = append(out, ustarHeader(name, uint64(len(content)))...)
	out = append(out, padTo512(content)...)
	return out
}

func tarEnd() []byte {
	return append(zeroBlock(), zeroBlock()...)
}

// buildTestArtifact assembles a minimal single-payload Mender artifact
// file, mirroring the shape artifactPush/inspectArtifact expect.
func buildTestArtifact(checksum string, payload []byte) []byte {
	var out []byte
	out = append(out, tarFile("version", []byte(`{"format":"mender","version":3}`))...)

	var headerTar []byte
	headerTar = append(headerTar, tarFile("header-info", []byte(`{"payloads":[{"type":"rootfs-image"}]}`))...)
	headerTar = append(headerTar, tarFile("headers/0000/type-info",
		[]byte(`{"artifact_provides":{"rootfs-image.checksum":"`+checksum+`"}}`))...)
	headerTar = append(headerTar, tarFile("headers/0000/meta-data", []byte(`{"note":"test"}`))...)
	headerTar = append(headerTar, tarEnd()...)
	out = append(out, tarFile("header.tar", headerTar)...)

	var dataTar []byte
	dataTar = append(dataTar, tarFile("0000", payload)...)
	dataTar = append(dataTar, tarEnd()...)
	out = append(out, tarFile("data/0000.tar", dataTar)...)

	out = append(out, tarEnd()...)
	return out
}

func TestInspectArtifactReportsPayload(t *testing.T) {
	checksum := "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	payload := make([]byte, 1536)
	for i := range payload {
		payload[i] = byte(i)
	}
	raw := buildTestArtifact(checksum, payload)

	dir := t.TempDir()
	path := filepath.Join(dir, "release.mender")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := inspectArtifact(path); err != nil {
		t.Fatalf("inspectArtifact: %v", err)
	}
}

func TestInspectArtifactRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.mender")
	if err := os.WriteFile(path, []byte("not an artifact"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := inspectArtifact(path); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestStripTelnetIACRemovesSequences(t *testing.T) {
	in := []byte{'h', 'i', 0xFF, 0xFB, 0x01, 'o', 'k'}
	out := stripTelnetIAC(in)
	if string(out) != "hiok" {
		t.Fatalf("stripTelnetIAC = %q, want %q", out, "hiok")
	}
}
