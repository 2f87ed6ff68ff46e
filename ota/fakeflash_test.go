package ota

import "openenterprise/telemetry-gateway/partition"

// memFlash is an in-memory Flash used only by tests. It models an
// erased-to-0xFF NOR flash large enough for a two-partition layout.
type memFlash struct {
	buf []byte
}

func newMemFlash(size int) *memFlash {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xFF
	}
	return &memFlash{buf: b}
}

func (f *memFlash) ReadAt(offset uint32, buf []byte) error {
	copy(buf, f.buf[offset:int(offset)+len(buf)])
	return nil
}

func (f *memFlash) ProgramAt(offset uint32, data []byte) error {
	copy(f.buf[offset:], data)
	return nil
}

func (f *memFlash) EraseSector(offset uint32) error {
	end := int(offset) + 4096
	for i := int(offset); i < end && i < len(f.buf); i++ {
		f.buf[i] = 0xFF
	}
	return nil
}

// writeTable writes a partition table with two OTA app partitions and
// one otadata partition into the fake flash.
func (f *memFlash) writeTable(ota0Off, ota1Off, ota1Size, otadataOff, otadataSize uint32) {
	raw := make([]byte, partition.TableSize)
	for i := range raw {
		raw[i] = 0xFF
	}
	putEntry(raw[0:32], partition.TypeApp, partition.SubtypeOTABase+0, ota0Off, ota1Off-ota0Off, "ota_0")
	putEntry(raw[32:64], partition.TypeApp, partition.SubtypeOTABase+1, ota1Off, ota1Size, "ota_1")
	putEntry(raw[64:96], partition.TypeData, partition.SubtypeOtadata, otadataOff, otadataSize, "otadata")
	copy(f.buf[partition.TableOffset:], raw)
}

func putEntry(e []byte, typ, subtype byte, offset, size uint32, name string) {
	e[0], e[1] = 0xAA, 0x50
	e[2] = typ
	e[3] = subtype
	putLE32(e[4:8], offset)
	putLE32(e[8:12], size)
	copy(e[12:28], name)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
