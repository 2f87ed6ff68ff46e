package modem

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// fakeModem is a minimal scripted AT modem simulator used only by
// tests: it replies "OK" to anything not otherwise scripted, and lets
// the test register canned multi-line responses per command prefix.
type fakeModem struct {
	mu       sync.Mutex
	scripted map[string][]string
	rx       *io.PipeReader
	rxw      *io.PipeWriter
	txr      *io.PipeReader
	tx       *io.PipeWriter
	rd       *bufio.Reader
}

func newFakeModem() *fakeModem {
	rxr, rxw := io.Pipe()
	txr, txw := io.Pipe()
	f := &fakeModem{
		scripted: map[string][]string{},
		rx:       rxr, rxw: rxw,
		txr: txr, tx: txw,
		rd: bufio.NewReader(txr),
	}
	go f.loop()
	return f
}

// uartSide implements the modem.UART interface the driver reads/writes.
func (f *fakeModem) uartSide() UART { return &fakeUART{f} }

type fakeUART struct{ f *fakeModem }

func (u *fakeUART) Read(p []byte) (int, error)  { return u.f.rx.Read(p) }
func (u *fakeUART) Write(p []byte) (int, error)  { return u.f.tx.Write(p) }

// script registers the response lines emitted for a command whose
// first word matches prefix (e.g. "AT+QMTOPEN=0").
func (f *fakeModem) script(prefix string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[prefix] = lines
}

func (f *fakeModem) loop() {
	for {
		line, err := f.rd.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			f.respond(line)
		}
		if err != nil {
			return
		}
	}
}

func (f *fakeModem) respond(cmd string) {
	f.mu.Lock()
	var reply []string
	for prefix, lines := range f.scripted {
		if strings.HasPrefix(cmd, prefix) {
			reply = lines
			break
		}
	}
	f.mu.Unlock()
	if reply == nil {
		reply = []string{"OK"}
	}
	for _, l := range reply {
		io.WriteString(f.rxw, l+"\r\n")
	}
}

func (f *fakeModem) close() {
	f.rxw.Close()
	f.tx.Close()
}
