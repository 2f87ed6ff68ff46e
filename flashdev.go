//go:build tinygo

package main

import "machine"

// onboardFlash adapts TinyGo's machine.Flash device to the small
// ReadAt/ProgramAt/EraseSector contract shared by the ota and storage
// packages. machine.Flash already accounts for the XIP offset and the
// reserved bootloader region, so no manual address translation is
// needed here (unlike the ROM-bootrom calls this replaces).
type onboardFlash struct{}

func (onboardFlash) ReadAt(offset uint32, buf []byte) error {
	_, err := machine.Flash.ReadAt(buf, int64(offset))
	return err
}

func (onboardFlash) ProgramAt(offset uint32, data []byte) error {
	_, err := machine.Flash.WriteAt(data, int64(offset))
	return err
}

func (onboardFlash) EraseSector(offset uint32) error {
	size := machine.Flash.EraseBlockSize()
	return machine.Flash.EraseBlocks(int64(offset)/int64(size), 1)
}
