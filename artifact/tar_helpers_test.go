package artifact

func ustarHeader(name string, size uint64) []byte {
	var h [blockSize]byte
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
	if rem := len(out) % blockSize; rem != 0 {
		out = append(out, make([]byte, blockSize-rem)...)
	}
	return out
}

func zeroBlock() []byte {
	return make([]byte, blockSize)
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
