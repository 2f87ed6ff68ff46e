// Package ota implements the OTA engine (C1): partition discovery, the
// otadata dual-slot boot selector, streamed signed image installation,
// verification and rollback. It consumes flash through the Flash
// interface rather than any specific peripheral driver, keeping the SPI
// flash command layer out of scope as described in SPEC_FULL.md §1.
package ota

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"

	"openenterprise/telemetry-gateway/partition"
)

// Sentinel errors, flat per subsystem, per SPEC_FULL.md §7.
var (
	ErrNotEnoughPartitions        = errors.New("ota: fewer than 2 OTA partitions")
	ErrOtaNotStarted              = errors.New("ota: no deployment open")
	ErrFlashRWError               = errors.New("ota: flash read/write error")
	ErrWrongCRC                   = errors.New("ota: streamed hash does not match target hash")
	ErrWrongOTAPartitionOrder     = partition.ErrWrongOTAOrder
	ErrOtaVerifyError             = errors.New("ota: verify readback does not match target hash")
	ErrCannotFindCurrentBootPartition = errors.New("ota: cannot resolve current boot partition")
	ErrInvalidChecksum            = errors.New("ota: target hash is not a 64-char hex string")
)

// Flash is the abstraction standing in for the out-of-scope SPI NOR
// flash driver.
type Flash interface {
	ReadAt(offset uint32, buf []byte) error
	ProgramAt(offset uint32, data []byte) error
	EraseSector(offset uint32) error
}

// Progress tracks one in-flight deployment (FlashProgress in the data
// model).
type Progress struct {
	TargetHash  [32]byte
	Offset      uint32
	Remaining   uint32
	TargetIndex int
}

// Engine is the OTA engine. Exactly one task is expected to own an
// Engine instance at a time (SPEC_FULL.md §3 Ownership).
type Engine struct {
	flash Flash

	table       partition.Table
	tableLoaded bool

	currentIndex int
	haveCurrent  bool

	progress *Progress
	hasher   hash.Hash
}

// NewEngine constructs an Engine bound to the given Flash. The partition
// table and otadata are read from it lazily, on first use.
func NewEngine(flash Flash) *Engine {
	return &Engine{flash: flash}
}

func (e *Engine) loadTable() error {
	if e.tableLoaded {
		return nil
	}
	raw := make([]byte, partition.TableSize)
	if err := e.flash.ReadAt(partition.TableOffset, raw); err != nil {
		return ErrFlashRWError
	}
	t, err := partition.Parse(raw)
	if err != nil {
		return err
	}
	if t.Otadata == nil {
		return ErrNotEnoughPartitions
	}
	e.table = t
	e.tableLoaded = true
	return nil
}

func (e *Engine) readSlots() (partition.Slot, partition.Slot, error) {
	raw := make([]byte, e.table.Otadata.Size)
	if err := e.flash.ReadAt(e.table.Otadata.Offset, raw); err != nil {
		return partition.Slot{}, partition.Slot{}, ErrFlashRWError
	}
	half := len(raw) / 2
	s1 := partition.DecodeSlot(raw[:partition.SlotSize])
	s2 := partition.DecodeSlot(raw[half : half+partition.SlotSize])
	return s1, s2, nil
}

func (e *Engine) writeSlots(s1, s2 partition.Slot) error {
	raw1 := partition.EncodeSlot(s1)
	raw2 := partition.EncodeSlot(s2)
	half := e.table.Otadata.Size / 2
	if err := e.flash.ProgramAt(e.table.Otadata.Offset, raw1[:]); err != nil {
		return ErrFlashRWError
	}
	if err := e.flash.ProgramAt(e.table.Otadata.Offset+half, raw2[:]); err != nil {
		return ErrFlashRWError
	}
	return nil
}

// Open begins a deployment of size bytes whose SHA-256 is the 64-char
// hex string targetHashHex. It picks the next OTA slot (current index +
// 1 mod N).
func (e *Engine) Open(size uint32, targetHashHex string) error {
	if err := e.loadTable(); err != nil {
		return err
	}
	if len(e.table.OTA) < 2 {
		return ErrNotEnoughPartitions
	}
	targetHash, err := decodeHash(targetHashHex)
	if err != nil {
		return err
	}
	cur, err := e.CurrentPartition()
	if err != nil {
		// Treat an unresolved current partition as slot -1 so the
		// first deployment ever made still picks slot 0.
		cur = -1
	}
	next := (cur + 1) % len(e.table.OTA)

	e.progress = &Progress{
		TargetHash:  targetHash,
		Offset:      e.table.OTA[next].Offset,
		Remaining:   size,
		TargetIndex: next,
	}
	e.hasher = sha256.New()
	return nil
}

func decodeHash(hexStr string) ([32]byte, error) {
	var out [32]byte
	if len(hexStr) != 64 {
		return out, ErrInvalidChecksum
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != 32 {
		return out, ErrInvalidChecksum
	}
	copy(out[:], b)
	return out, nil
}

// Write streams one chunk to flash at the current cursor, updating the
// running hash. It returns true on the chunk that consumes the last
// remaining byte.
func (e *Engine) Write(chunk []byte) (bool, error) {
	if e.progress == nil {
		return false, ErrOtaNotStarted
	}
	if uint32(len(chunk)) > e.progress.Remaining {
		return false, fmt.Errorf("ota: chunk of %d exceeds %d remaining", len(chunk), e.progress.Remaining)
	}
	if err := e.flash.ProgramAt(e.progress.Offset, chunk); err != nil {
		return false, ErrFlashRWError
	}
	e.hasher.Write(chunk)
	e.progress.Offset += uint32(len(chunk))
	e.progress.Remaining -= uint32(len(chunk))
	return e.progress.Remaining == 0, nil
}

// Verify reads back the entire written region in 256-byte blocks,
// recomputes SHA-256 and compares it to the target hash. Pure
// diagnostic: it never alters engine state.
func (e *Engine) Verify() error {
	if e.progress == nil {
		return ErrOtaNotStarted
	}
	start := e.table.OTA[e.progress.TargetIndex].Offset
	total := e.progress.Offset - start
	h := sha256.New()
	buf := make([]byte, 256)
	var off uint32
	for off < total {
		n := uint32(len(buf))
		if total-off < n {
			n = total - off
		}
		if err := e.flash.ReadAt(start+off, buf[:n]); err != nil {
			return ErrFlashRWError
		}
		h.Write(buf[:n])
		off += n
	}
	sum := h.Sum(nil)
	if !bytes.Equal(sum, e.progress.TargetHash[:]) {
		return ErrOtaVerifyError
	}
	return nil
}

// Flush finalizes a deployment. If verifyFlag is set, Verify() runs
// first and any mismatch is returned. The streamed hash is then
// compared against the target; a match succeeds without altering the
// boot slot.
func (e *Engine) Flush(verifyFlag bool) error {
	if e.progress == nil {
		return ErrOtaNotStarted
	}
	if verifyFlag {
		if err := e.Verify(); err != nil {
			return err
		}
	}
	sum := e.hasher.Sum(nil)
	if !bytes.Equal(sum, e.progress.TargetHash[:]) {
		return ErrWrongCRC
	}
	return nil
}

// SetPending writes both otadata slots so the next boot selects the new
// partition, with state New if rollbackFlag is set, else Undefined.
func (e *Engine) SetPending(rollbackFlag bool) error {
	if e.progress == nil {
		return ErrOtaNotStarted
	}
	s1, s2, err := e.readSlots()
	if err != nil {
		return err
	}
	state := partition.StateUndefined
	if rollbackFlag {
		state = partition.StateNew
	}
	ns1, ns2 := partition.NextSetPending(s1, s2, e.progress.TargetIndex, state, len(e.table.OTA))
	return e.writeSlots(ns1, ns2)
}

// currentSlotForPartition returns the slot whose target partition
// equals idx, checking the active slot first.
func (e *Engine) currentSlotForPartition(idx int) (partition.Slot, error) {
	s1, s2, err := e.readSlots()
	if err != nil {
		return partition.Slot{}, err
	}
	active := partition.ActiveSlot(s1, s2)
	var activeSlot, other partition.Slot
	if active == 0 {
		activeSlot, other = s1, s2
	} else {
		activeSlot, other = s2, s1
	}
	if partition.TargetPartition(activeSlot.Seq, len(e.table.OTA)) == idx {
		return activeSlot, nil
	}
	if partition.TargetPartition(other.Seq, len(e.table.OTA)) == idx {
		return other, nil
	}
	return partition.Slot{}, ErrCannotFindCurrentBootPartition
}

// MarkValid updates the current running slot's state in place to
// Valid. Only the 4-byte state word is rewritten; the CRC stays
// unchanged because the sequence is unchanged.
func (e *Engine) MarkValid() error {
	return e.setCurrentState(partition.StateValid)
}

// MarkInvalidRollback updates the current running slot's state in
// place to Invalid.
func (e *Engine) MarkInvalidRollback() error {
	return e.setCurrentState(partition.StateInvalid)
}

func (e *Engine) setCurrentState(state partition.OtaImgState) error {
	cur, err := e.CurrentPartition()
	if err != nil {
		return err
	}
	slot, err := e.currentSlotForPartition(cur)
	if err != nil {
		return err
	}
	slot.State = state
	s1, s2, err := e.readSlots()
	if err != nil {
		return err
	}
	active := partition.ActiveSlot(s1, s2)
	if active == 0 {
		s1 = slot
	} else {
		s2 = slot
	}
	return e.writeSlots(s1, s2)
}

// Abort sets the current-target slot state to Aborted and drops the
// in-flight Progress.
func (e *Engine) Abort() error {
	if e.progress == nil {
		return nil
	}
	s1, s2, err := e.readSlots()
	if err == nil {
		if partition.TargetPartition(s1.Seq, len(e.table.OTA)) == e.progress.TargetIndex {
			s1.State = partition.StateAborted
		} else if partition.TargetPartition(s2.Seq, len(e.table.OTA)) == e.progress.TargetIndex {
			s2.State = partition.StateAborted
		}
		_ = e.writeSlots(s1, s2)
	}
	e.progress = nil
	e.hasher = nil
	return nil
}

// CurrentPartitionFromOffset reports the OTA index containing the given running
// code offset (the physical flash offset of the currently executing
// image), linear-scanning OTA partitions for containment.
func (e *Engine) CurrentPartitionFromOffset(codeOffset uint32) (int, error) {
	if err := e.loadTable(); err != nil {
		return 0, err
	}
	for i, p := range e.table.OTA {
		if codeOffset >= p.Offset && codeOffset < p.Offset+p.Size {
			return i, nil
		}
	}
	return 0, ErrCannotFindCurrentBootPartition
}

// CurrentPartition resolves the boot partition from otadata rather than
// from a code address: it is the target of the currently active slot.
// This is the form used by MarkValid/MarkInvalidRollback/CurrentState,
// and is cached once resolved for the process lifetime.
func (e *Engine) CurrentPartition() (int, error) {
	if e.haveCurrent {
		return e.currentIndex, nil
	}
	if err := e.loadTable(); err != nil {
		return 0, err
	}
	s1, s2, err := e.readSlots()
	if err != nil {
		return 0, err
	}
	active := partition.ActiveSlot(s1, s2)
	seq := s1.Seq
	if active == 1 {
		seq = s2.Seq
	}
	idx := partition.TargetPartition(seq, len(e.table.OTA))
	e.currentIndex = idx
	e.haveCurrent = true
	return idx, nil
}

// CurrentState reads the otadata slot whose target partition equals the
// current partition.
func (e *Engine) CurrentState() (partition.OtaImgState, error) {
	cur, err := e.CurrentPartition()
	if err != nil {
		return 0, err
	}
	slot, err := e.currentSlotForPartition(cur)
	if err != nil {
		return 0, err
	}
	return slot.State, nil
}
