// Package storage reads and writes the gateway's NVM region: private key,
// public key, deployment data, and device config, laid out at fixed
// offsets inside a data/subtype=2 partition. Every block is
// `len u32 LE | payload[len]`, generalized from the original firmware's
// fixed-address/fixed-size Nvm blocks (original_source src/svc/mem/nvm.rs)
// into length-prefixed variable blocks per spec.md §6.
package storage

import (
	"encoding/binary"
	"errors"
)

// Sentinel errors per spec.md §7.
var (
	ErrNotFound   = errors.New("storage: block not found")
	ErrLenInvalid = errors.New("storage: length invalid")
	ErrIDInvalid  = errors.New("storage: id invalid")
	ErrWriteErr   = errors.New("storage: write failed")
	ErrReadErr    = errors.New("storage: read failed")
)

// Flash is the minimal byte-addressable read/write surface storage needs.
// ota.Flash satisfies it; storage and ota share one Flash instance bound
// to the same partition entry so writes are serialized through a single
// owner as required by spec.md §5 ("Flash is owned by at most one
// operation at a time").
type Flash interface {
	ReadAt(off uint32, p []byte) error
	ProgramAt(off uint32, p []byte) error
}

// Block identifies one of the four fixed NVM blocks.
type Block int

const (
	PrivateKey Block = iota
	PublicKey
	DeploymentData
	DeviceConfig
	numBlocks
)

const (
	privateKeyMax     = 2048
	publicKeyMax      = 384
	deploymentDataMax = 1024
	deviceConfigMax   = 1024
)

type region struct {
	offset uint32
	maxLen int
}

// NVM wraps a Flash and a base offset (the start of the data/subtype=2
// partition) and exposes the four fixed-layout blocks per spec.md §6.
type NVM struct {
	flash Flash
	base  uint32
}

// New constructs an NVM region rooted at base within flash.
func New(flash Flash, base uint32) *NVM {
	return &NVM{flash: flash, base: base}
}

func (n *NVM) layout() [numBlocks]region {
	privatekeyOffset := n.base
	publickeyOffset := privatekeyOffset + 4 + privateKeyMax
	deploymentDataOffset := publickeyOffset + 4 + publicKeyMax
	deviceConfigOffset := deploymentDataOffset + 4 + deploymentDataMax
	return [numBlocks]region{
		PrivateKey:     {privatekeyOffset, privateKeyMax},
		PublicKey:      {publickeyOffset, publicKeyMax},
		DeploymentData: {deploymentDataOffset, deploymentDataMax},
		DeviceConfig:   {deviceConfigOffset, deviceConfigMax},
	}
}

// Read returns the payload currently stored in block b.
func (n *NVM) Read(b Block) ([]byte, error) {
	if b < 0 || b >= numBlocks {
		return nil, ErrIDInvalid
	}
	r := n.layout()[b]
	var lenBuf [4]byte
	if err := n.flash.ReadAt(r.offset, lenBuf[:]); err != nil {
		return nil, ErrReadErr
	}
	l := binary.LittleEndian.Uint32(lenBuf[:])
	if l == 0 || l == 0xFFFFFFFF {
		return nil, ErrNotFound
	}
	if int(l) > r.maxLen {
		return nil, ErrLenInvalid
	}
	buf := make([]byte, l)
	if err := n.flash.ReadAt(r.offset+4, buf); err != nil {
		return nil, ErrReadErr
	}
	return buf, nil
}

// Write stores payload into block b, prefixed with its length.
func (n *NVM) Write(b Block, payload []byte) error {
	if b < 0 || b >= numBlocks {
		return ErrIDInvalid
	}
	r := n.layout()[b]
	if len(payload) > r.maxLen {
		return ErrLenInvalid
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if err := n.flash.ProgramAt(r.offset, lenBuf[:]); err != nil {
		return ErrWriteErr
	}
	if err := n.flash.ProgramAt(r.offset+4, payload); err != nil {
		return ErrWriteErr
	}
	return nil
}
