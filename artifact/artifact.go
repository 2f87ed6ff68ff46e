// Package artifact implements an incremental parser (C2) for the Mender
// tar-in-tar deployment format: an outer 512-byte-blocked tar holding
// version, header.tar and data/XXXX.tar members. Payload bytes are
// delivered to a caller-supplied callback as they are parsed, so the
// whole artifact never needs to be buffered in RAM.
package artifact

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

const blockSize = 512

// Sentinel errors, flat per subsystem per SPEC_FULL.md §7.
var (
	ErrInvalidFormat = errors.New("artifact: invalid tar header")
	ErrUnsupported   = errors.New("artifact: unsupported format or version")
	ErrBadJSON       = errors.New("artifact: malformed json")
	ErrIndexOverflow = errors.New("artifact: payload index out of range")
)

// EventKind distinguishes the two payload callback shapes.
type EventKind int

const (
	EventBegin EventKind = iota
	EventDataChunk
)

// Event is delivered to the caller's callback for each payload
// milestone.
type Event struct {
	Kind           EventKind
	Type           string
	MetaData       json.RawMessage
	ExpectedHashHex string
	Offset         uint64
	Total          uint32
	Size           uint64
	Data           []byte
}

// Callback receives parser events. A non-nil error aborts the current
// Process call.
type Callback func(Event) error

type streamState int

const (
	stateParsingHeader streamState = iota
	stateParsingData
)

type payload struct {
	typ          string
	expectedHash string
	meta         json.RawMessage
}

// Context is the parser's mutable state (ArtifactContext in the data
// model), scoped to the lifetime of one deployment.
type Context struct {
	buf []byte

	path  string
	state streamState

	fileSize  uint64
	fileIndex uint64

	payloads []payload

	zeroBlocks int
}

// New returns a fresh parser context.
func New() *Context {
	return &Context{state: stateParsingHeader}
}

// Process appends bytes to the internal buffer and repeatedly advances
// the state machine until the buffer can no longer be consumed.
func (c *Context) Process(data []byte, cb Callback) error {
	c.buf = append(c.buf, data...)
	for {
		advanced, err := c.step(cb)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
}

func (c *Context) consume(n int) {
	copy(c.buf, c.buf[n:])
	c.buf = c.buf[:len(c.buf)-n]
}

func (c *Context) step(cb Callback) (bool, error) {
	switch c.state {
	case stateParsingHeader:
		return c.stepHeader()
	case stateParsingData:
		return c.stepData(cb)
	}
	return false, nil
}

func (c *Context) stepHeader() (bool, error) {
	if len(c.buf) < blockSize {
		return false, nil
	}
	block := c.buf[:blockSize]
	if isAllZero(block) {
		if len(c.buf) < 2*blockSize {
			return false, nil
		}
		if !isAllZero(c.buf[blockSize : 2*blockSize]) {
			return false, ErrInvalidFormat
		}
		c.popTarSuffix()
		c.consume(2 * blockSize)
		return true, nil
	}

	if string(block[257:262]) != "ustar" {
		return false, ErrInvalidFormat
	}
	name := trimNull(block[0:100])
	size, err := parseOctal(block[124:136])
	if err != nil {
		return false, ErrInvalidFormat
	}

	if c.path == "" {
		c.path = name
	} else {
		c.path = c.path + "/" + name
	}
	c.fileSize = size
	c.fileIndex = 0
	c.consume(blockSize)
	c.state = stateParsingData
	return true, nil
}

func (c *Context) stepData(cb Callback) (bool, error) {
	padded := roundUp512(c.fileSize)

	switch {
	case c.path == "version":
		if uint64(len(c.buf)) < padded {
			return false, nil
		}
		var v struct {
			Format  string `json:"format"`
			Version int    `json:"version"`
		}
		if err := json.Unmarshal(trimToSize(c.buf, c.fileSize), &v); err != nil {
			return false, ErrBadJSON
		}
		if v.Format != "mender" || v.Version != 3 {
			return false, ErrUnsupported
		}
		return c.finishFile(padded)

	case c.path == "header.tar/header-info":
		if uint64(len(c.buf)) < padded {
			return false, nil
		}
		var hi struct {
			Payloads []struct {
				Type string `json:"type"`
			} `json:"payloads"`
		}
		if err := json.Unmarshal(trimToSize(c.buf, c.fileSize), &hi); err != nil {
			return false, ErrBadJSON
		}
		c.payloads = make([]payload, len(hi.Payloads))
		for i, p := range hi.Payloads {
			c.payloads[i].typ = p.Type
		}
		return c.finishFile(padded)

	case strings.HasPrefix(c.path, "header.tar/headers/") && strings.HasSuffix(c.path, "/type-info"):
		if uint64(len(c.buf)) < padded {
			return false, nil
		}
		idx, err := headerIndex(c.path, "/type-info")
		if err != nil {
			return false, err
		}
		if idx < 0 || idx >= len(c.payloads) {
			return false, ErrIndexOverflow
		}
		var ti struct {
			ArtifactProvides map[string]string `json:"artifact_provides"`
		}
		if c.fileSize > 0 {
			if err := json.Unmarshal(trimToSize(c.buf, c.fileSize), &ti); err != nil {
				return false, ErrBadJSON
			}
		}
		hash := ti.ArtifactProvides["rootfs-image.checksum"]
		if hash == "" {
			hash = ti.ArtifactProvides["module-image.checksum"]
		}
		c.payloads[idx].expectedHash = hash
		return c.finishFile(padded)

	case strings.HasPrefix(c.path, "header.tar/headers/") && strings.HasSuffix(c.path, "/meta-data"):
		if uint64(len(c.buf)) < padded {
			return false, nil
		}
		idx, err := headerIndex(c.path, "/meta-data")
		if err != nil {
			return false, err
		}
		if idx < 0 || idx >= len(c.payloads) {
			return false, ErrIndexOverflow
		}
		if c.fileSize > 0 {
			c.payloads[idx].meta = append(json.RawMessage(nil), trimToSize(c.buf, c.fileSize)...)
		}
		return c.finishFile(padded)

	case strings.HasSuffix(c.path, ".tar") && !isDataTarEntry(c.path):
		// A nested tar-within-tar wrapper (e.g. "header.tar"): its
		// "content" is itself a run of tar headers, not opaque bytes,
		// so no data is consumed here — parsing resumes directly at
		// ParsingHeader for the nested archive's own entries.
		c.state = stateParsingHeader
		return true, nil

	case isDataTarEntry(c.path):
		idx, err := dataIndex(c.path)
		if err != nil {
			return false, err
		}
		if idx < 0 || idx >= len(c.payloads) {
			return false, ErrIndexOverflow
		}
		p := c.payloads[idx]
		if cb != nil {
			if err := cb(Event{
				Kind:            EventBegin,
				Type:            p.typ,
				MetaData:        p.meta,
				ExpectedHashHex: p.expectedHash,
				Size:            c.fileSize,
			}); err != nil {
				return false, err
			}
		}
		// The outer data/NNNN.tar entry itself carries no bytes of
		// its own beyond nested members; move on to header parsing
		// for the nested tar's own headers (which will set c.path to
		// "data/NNNN.tar/<file>" on next header step).
		c.state = stateParsingHeader
		return true, nil

	case isDataTarChild(c.path):
		idx, err := dataIndex(c.path)
		if err != nil {
			return false, err
		}
		if idx < 0 || idx >= len(c.payloads) {
			return false, ErrIndexOverflow
		}
		remaining := c.fileSize - c.fileIndex
		want := uint64(blockSize)
		if remaining < want {
			want = remaining
		}
		if uint64(len(c.buf)) < blockSize {
			return false, nil
		}
		chunk := append([]byte(nil), c.buf[:want]...)
		p := c.payloads[idx]
		if cb != nil {
			if err := cb(Event{
				Kind:            EventDataChunk,
				Type:            p.typ,
				ExpectedHashHex: p.expectedHash,
				Offset:          c.fileIndex,
				Total:           uint32(want),
				Data:            chunk,
			}); err != nil {
				return false, err
			}
		}
		c.consume(blockSize)
		c.fileIndex += blockSize
		if c.fileIndex >= roundUp512(c.fileSize) {
			return c.finishFile(0)
		}
		return true, nil

	default:
		if uint64(len(c.buf)) < padded {
			return false, nil
		}
		return c.finishFile(padded)
	}
}

// finishFile consumes n bytes (the padded file content, already
// verified present), resets per-file cursors, retains the path up to
// the last ".tar" segment, and returns to ParsingHeader.
func (c *Context) finishFile(n uint64) (bool, error) {
	if n > 0 {
		c.consume(int(n))
	}
	c.fileSize = 0
	c.fileIndex = 0
	c.path = retainTarPrefix(c.path)
	c.state = stateParsingHeader
	return true, nil
}

// popTarSuffix removes the trailing path component up through the last
// ".tar" segment, modeling the nested-tar end-of-archive marker.
func (c *Context) popTarSuffix() {
	c.path = retainTarPrefix(c.path)
	idx := strings.LastIndex(c.path, "/")
	if idx < 0 {
		c.path = ""
		return
	}
	c.path = c.path[:idx]
}

// retainTarPrefix returns the path truncated at (and including) the
// last path segment ending in ".tar", so subsequent headers within the
// same tar are parented correctly.
func retainTarPrefix(path string) string {
	segs := strings.Split(path, "/")
	last := -1
	for i, s := range segs {
		if strings.HasSuffix(s, ".tar") {
			last = i
		}
	}
	if last < 0 {
		return ""
	}
	return strings.Join(segs[:last+1], "/")
}

func isDataTarEntry(path string) bool {
	// "data/XXXX.tar" exactly: length equals len("data/xxxx.tar").
	if !strings.HasPrefix(path, "data/") || !strings.HasSuffix(path, ".tar") {
		return false
	}
	return len(path) == len("data/xxxx.tar")
}

func isDataTarChild(path string) bool {
	if !strings.HasPrefix(path, "data/") {
		return false
	}
	idx := strings.Index(path, ".tar/")
	return idx > 0
}

func dataIndex(path string) (int, error) {
	// path like "data/0000.tar" or "data/0000.tar/<file>"
	rest := strings.TrimPrefix(path, "data/")
	end := strings.Index(rest, ".tar")
	if end < 0 {
		return 0, ErrInvalidFormat
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, ErrInvalidFormat
	}
	return n, nil
}

func headerIndex(path, suffix string) (int, error) {
	const prefix = "header.tar/headers/"
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimSuffix(rest, suffix)
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, ErrInvalidFormat
	}
	return n, nil
}

func roundUp512(n uint64) uint64 {
	if n%blockSize == 0 {
		return n
	}
	return n + (blockSize - n%blockSize)
}

func trimToSize(buf []byte, size uint64) []byte {
	if uint64(len(buf)) < size {
		return buf
	}
	return buf[:size]
}

func trimNull(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

func parseOctal(b []byte) (uint64, error) {
	s := strings.TrimRight(strings.TrimSpace(string(b)), "\x00")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 8, 64)
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
