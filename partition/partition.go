// Package partition reads the on-flash partition table and the otadata
// dual-slot boot selector, and implements the bootloader-compatible
// CRC-32 used to validate each slot.
package partition

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

const (
	// TableOffset is the fixed byte offset of the partition table.
	TableOffset = 0x8000
	// TableSize is the fixed byte size of the partition table region.
	TableSize = 0xC00
	// EntrySize is the byte size of one partition table entry.
	EntrySize = 32

	magicHi = 0xAA
	magicLo = 0x50

	// TypeApp and TypeData are the partition "type" byte values.
	TypeApp  = 0
	TypeData = 1

	// SubtypeOTABase is the subtype byte at which app.ota_N partitions
	// start; OTA index = subtype - SubtypeOTABase.
	SubtypeOTABase = 0x10
	// SubtypeOtadata is the data partition subtype holding the otadata
	// dual-slot region.
	SubtypeOtadata = 0
)

var (
	// ErrWrongOTAOrder is returned when ota_N partitions do not appear
	// with strictly consecutive N starting at 0.
	ErrWrongOTAOrder = errors.New("partition: ota partitions not strictly consecutive from 0")
	// ErrNoOtadata is returned when no data.otadata partition is present.
	ErrNoOtadata = errors.New("partition: no otadata partition found")
)

// Entry describes one partition table row.
type Entry struct {
	Type    uint8
	Subtype uint8
	Offset  uint32
	Size    uint32
	Name    string
}

// IsOTAApp reports whether the entry is an app.ota_N partition.
func (e Entry) IsOTAApp() bool {
	return e.Type == TypeApp && e.Subtype >= SubtypeOTABase
}

// OTAIndex returns the OTA slot index of an app.ota_N entry.
func (e Entry) OTAIndex() int {
	return int(e.Subtype) - SubtypeOTABase
}

// IsOtadata reports whether the entry is the data.otadata partition.
func (e Entry) IsOtadata() bool {
	return e.Type == TypeData && e.Subtype == SubtypeOtadata
}

// Table is a parsed partition table: the ordered list of OTA app
// partitions (index == OTA slot number) and the otadata partition, if any.
type Table struct {
	OTA     []Entry
	Otadata *Entry
	All     []Entry
}

// Parse reads raw, the TableSize-byte region starting at TableOffset,
// and returns the decoded table. Entries not matching the magic are
// skipped; parsing stops at the first all-0xFF entry.
func Parse(raw []byte) (Table, error) {
	var t Table
	n := len(raw) / EntrySize
	for i := 0; i < n; i++ {
		e := raw[i*EntrySize : (i+1)*EntrySize]
		if allFF(e) {
			break
		}
		if e[0] != magicHi || e[1] != magicLo {
			continue
		}
		ent := Entry{
			Type:    e[2],
			Subtype: e[3],
			Offset:  binary.LittleEndian.Uint32(e[4:8]),
			Size:    binary.LittleEndian.Uint32(e[8:12]),
			Name:    trimName(e[12:28]),
		}
		t.All = append(t.All, ent)
		switch {
		case ent.IsOTAApp():
			t.OTA = append(t.OTA, ent)
		case ent.IsOtadata():
			cp := ent
			t.Otadata = &cp
		}
	}
	if err := checkOTAOrder(t.OTA); err != nil {
		return Table{}, err
	}
	return t, nil
}

func checkOTAOrder(ota []Entry) error {
	// OTA entries are appended in table order; verify OTAIndex is
	// strictly consecutive starting at 0 regardless of table order by
	// checking the set of indices.
	seen := make(map[int]bool, len(ota))
	for _, e := range ota {
		seen[e.OTAIndex()] = true
	}
	for i := 0; i < len(ota); i++ {
		if !seen[i] {
			return ErrWrongOTAOrder
		}
	}
	return nil
}

func trimName(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

func allFF(b []byte) bool {
	for _, c := range b {
		if c != 0xFF {
			return false
		}
	}
	return true
}

// CRC32NoFinalXOR computes CRC-32 (IEEE polynomial) with seed
// 0xFFFFFFFF and, unlike hash/crc32.ChecksumIEEE, does NOT apply the
// final XOR with 0xFFFFFFFF. This matches the companion bootloader's
// slot-CRC scheme (spec.md §4.1, §6).
func CRC32NoFinalXOR(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	tbl := crc32.IEEETable
	for _, b := range data {
		crc = tbl[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}
