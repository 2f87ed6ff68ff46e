package partition

import "encoding/binary"

// SlotSize is the byte size of one otadata slot.
const SlotSize = 32

// OtaImgState mirrors the on-flash image-state word stored in an
// otadata slot.
type OtaImgState uint32

const (
	StateNew           OtaImgState = 0
	StatePendingVerify  OtaImgState = 1
	StateValid         OtaImgState = 2
	StateInvalid       OtaImgState = 3
	StateAborted       OtaImgState = 4
	StateUndefined     OtaImgState = 0xFFFFFFFF
)

// String renders the image state the way log lines and the debug
// console print it.
func (s OtaImgState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StatePendingVerify:
		return "PendingVerify"
	case StateValid:
		return "Valid"
	case StateInvalid:
		return "Invalid"
	case StateAborted:
		return "Aborted"
	case StateUndefined:
		return "Undefined"
	default:
		return "Unknown"
	}
}

// Slot is one of the two physically identical otadata records.
type Slot struct {
	Seq   uint32
	State OtaImgState
	CRC   uint32
}

// DecodeSlot parses a 32-byte otadata slot: seq u32 LE | label[20]=0xFF |
// state u32 LE | crc u32 LE.
func DecodeSlot(raw []byte) Slot {
	return Slot{
		Seq:   binary.LittleEndian.Uint32(raw[0:4]),
		State: OtaImgState(binary.LittleEndian.Uint32(raw[24:28])),
		CRC:   binary.LittleEndian.Uint32(raw[28:32]),
	}
}

// BlankSeq marks a slot as the fully-erased ("filled with 0xFF") pattern
// used when a slot does not hold a valid boot record.
const BlankSeq uint32 = 0xFFFFFFFF

// EncodeSlot serializes a slot, filling the label field with 0xFF and
// computing the CRC over the little-endian seq bytes. A slot with
// Seq == BlankSeq is written as the all-0xFF erased pattern, matching
// "slot2 is filled with 0xFF" in spec.md §4.1.
func EncodeSlot(s Slot) [SlotSize]byte {
	var raw [SlotSize]byte
	if s.Seq == BlankSeq {
		for i := range raw {
			raw[i] = 0xFF
		}
		return raw
	}
	binary.LittleEndian.PutUint32(raw[0:4], s.Seq)
	for i := 4; i < 24; i++ {
		raw[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(raw[24:28], uint32(s.State))
	var seqBytes [4]byte
	binary.LittleEndian.PutUint32(seqBytes[:], s.Seq)
	crc := CRC32NoFinalXOR(seqBytes[:])
	binary.LittleEndian.PutUint32(raw[28:32], crc)
	return raw
}

// Valid reports whether the slot's CRC matches its seq bytes. An
// invalid slot is treated as seq==0 by ActiveSlot below.
func (s Slot) Valid() bool {
	var seqBytes [4]byte
	binary.LittleEndian.PutUint32(seqBytes[:], s.Seq)
	return CRC32NoFinalXOR(seqBytes[:]) == s.CRC
}

// effectiveSeq returns 0 if the slot's CRC doesn't validate, else Seq.
func (s Slot) effectiveSeq() uint32 {
	if !s.Valid() {
		return 0
	}
	return s.Seq
}

// ActiveSlot picks the slot whose CRC matches its seq and whose seq is
// greater than the other's (0 if CRC fails). Returns the index (0 or 1)
// of the winning slot.
func ActiveSlot(slot1, slot2 Slot) int {
	s1, s2 := slot1.effectiveSeq(), slot2.effectiveSeq()
	if s1 >= s2 {
		return 0
	}
	return 1
}

// TargetPartition computes the boot target OTA index from a slot's
// sequence number: ((seq-1) mod n).
func TargetPartition(seq uint32, n int) int {
	if n <= 0 {
		return 0
	}
	if seq == 0 {
		return 0
	}
	return int((seq - 1) % uint32(n))
}

// NextSetPending computes the pair of slot contents to write for a
// set_pending(target, state) call, given the current two slots and the
// number of OTA partitions n, per spec.md §4.1's boot-selection rule:
// target_seq = max(slot1.seq, slot2.seq) + k, k smallest positive making
// ((target_seq-1) mod n) == target. If target_seq==2, slot1 holds the
// new pending image and slot2 holds the old partition as Valid;
// otherwise slot1 holds target_seq/newState and slot2 is blanked.
func NextSetPending(slot1, slot2 Slot, target int, newState OtaImgState, n int) (newSlot1, newSlot2 Slot) {
	base := slot1.Seq
	if slot2.Seq > base {
		base = slot2.Seq
	}
	targetSeq := base
	for k := uint32(1); ; k++ {
		candidate := base + k
		if TargetPartition(candidate, n) == target {
			targetSeq = candidate
			break
		}
		if k > uint32(n)+1 {
			// n is always small (>=2); this bound prevents an
			// infinite loop on malformed input.
			targetSeq = base + 1
			break
		}
	}

	if targetSeq == 2 {
		newSlot1 = Slot{Seq: 2, State: newState}
		newSlot2 = Slot{Seq: 1, State: StateValid}
		return
	}
	newSlot1 = Slot{Seq: targetSeq, State: newState}
	newSlot2 = Slot{Seq: BlankSeq, State: StateUndefined}
	return
}
