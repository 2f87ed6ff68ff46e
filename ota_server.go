//go:build tinygo

package main

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"openenterprise/telemetry-gateway/artifact"
	"openenterprise/telemetry-gateway/telemetry"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	otaPort           = uint16(4242)
	otaBufSize        = 4096 + 64      // wire chunk + length prefix room
	otaMaxArtifactSize = 4 * 1024 * 1024
	otaDefaultTimeout = 10 * time.Minute // Auto-disable after 10 minutes
)

// Pre-allocated OTA buffers
var (
	otaRxBuf [otaBufSize]byte
	otaTxBuf [512]byte
	otaChunk [otaBufSize]byte
)

// OTA server state (protected by mutex for thread-safety)
var (
	otaMu          sync.Mutex
	otaEnabled     bool
	otaEnabledAt   time.Time
	otaTimeout     time.Duration
	otaStack       *xnet.StackAsync
	otaLogger      *slog.Logger
	otaServerReady bool // Set when otaServerLoop is running
)

// OTAEnable enables the OTA server for the specified duration.
// If duration is 0, uses the default timeout.
func OTAEnable(timeout time.Duration) {
	otaMu.Lock()
	defer otaMu.Unlock()

	if timeout == 0 {
		timeout = otaDefaultTimeout
	}
	otaEnabled = true
	otaEnabledAt = time.Now()
	otaTimeout = timeout

	if otaLogger != nil {
		otaLogger.Info("ota:enabled", slog.String("timeout", timeout.String()))
	}
}

// OTADisable disables the OTA server.
func OTADisable() {
	otaMu.Lock()
	defer otaMu.Unlock()

	otaEnabled = false
	if otaLogger != nil {
		otaLogger.Info("ota:disabled")
	}
}

// OTAIsEnabled returns true if OTA server is currently enabled.
func OTAIsEnabled() bool {
	otaMu.Lock()
	defer otaMu.Unlock()

	if !otaEnabled {
		return false
	}

	// Check if timeout has expired
	if time.Since(otaEnabledAt) > otaTimeout {
		otaEnabled = false
		if otaLogger != nil {
			otaLogger.Info("ota:timeout-expired")
		}
		return false
	}

	return true
}

// OTATimeRemaining returns the time remaining before OTA auto-disables.
// Returns 0 if OTA is disabled.
func OTATimeRemaining() time.Duration {
	otaMu.Lock()
	defer otaMu.Unlock()

	if !otaEnabled {
		return 0
	}

	remaining := otaTimeout - time.Since(otaEnabledAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// otaServerInit initializes the OTA server (must be called from main).
// The server starts in disabled state - use OTAEnable() to enable.
func otaServerInit(stack *xnet.StackAsync, logger *slog.Logger) {
	otaMu.Lock()
	otaStack = stack
	otaLogger = logger
	otaMu.Unlock()

	go otaServerLoop()
}

// otaServerLoop runs the OTA server loop. Only accepts connections when enabled.
func otaServerLoop() {
	otaMu.Lock()
	stack := otaStack
	logger := otaLogger
	otaServerReady = true
	otaMu.Unlock()

	// Recover from panics
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ota:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             otaRxBuf[:],
		TxBuf:             otaTxBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		logger.Error("ota:configure-failed", slog.String("err", err.Error()))
		return
	}

	logger.Info("ota:ready", slog.Int("port", int(otaPort)))

	for {
		// Wait until OTA is enabled
		for !OTAIsEnabled() {
			time.Sleep(500 * time.Millisecond)
		}

		logger.Info("ota:listening", slog.Int("port", int(otaPort)))

		// Abort any previous state
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		// Listen for incoming connection
		err = stack.ListenTCP(&conn, otaPort)
		if err != nil {
			logger.Error("ota:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		// Wait for connection with OTA enabled check
		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 && OTAIsEnabled() {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}

		// Check if OTA was disabled while waiting
		if !OTAIsEnabled() {
			conn.Abort()
			logger.Info("ota:disabled-while-waiting")
			continue
		}

		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("ota:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		// Handle OTA session
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("ota:session-panic")
				}
			}()
			handleOTASession(&conn, logger)
		}()

		// Clean up
		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("ota:disconnected")

		// Disable OTA after every session, successful or not (security: minimize window)
		OTADisable()
	}
}

// handleOTASession handles a single artifact push session: the client
// streams a Mender artifact as length-prefixed wire chunks, which are
// fed through an artifact.Context so payload bytes reach the OTA engine
// as soon as they're parsed out of the tar-in-tar stream.
func handleOTASession(conn *tcp.Conn, logger *slog.Logger) {
	if otaEngine == nil {
		logger.Error("ota:no-engine")
		writeOTA(conn, "ERROR engine not initialized\n")
		flushOTA(conn)
		return
	}

	logger.Warn("ota:pausing-background-tasks")
	telemetry.Pause()
	defer func() {
		telemetry.Resume()
		logger.Warn("ota:resuming-background-tasks")
		telemetry.Flush()
	}()

	var readBuf [128]byte

	n, err := readWithTimeout(conn, readBuf[:], 10*time.Second)
	if err != nil || n < 3 {
		logger.Error("ota:no-init")
		return
	}
	if string(readBuf[:3]) != "OTA" {
		logger.Error("ota:bad-init", slog.String("got", string(readBuf[:n])))
		return
	}

	writeOTA(conn, "READY ")
	writeOTAInt(conn, otaMaxArtifactSize)
	writeOTA(conn, "\n")
	flushOTA(conn)
	time.Sleep(100 * time.Millisecond)

	logger.Info("ota:ready", slog.Int("max_size", otaMaxArtifactSize))

	parser := artifact.New()
	var opened bool
	var totalBytes uint32
	var payloadsSeen int

	onEvent := func(ev artifact.Event) error {
		switch ev.Kind {
		case artifact.EventBegin:
			payloadsSeen++
			if payloadsSeen > 1 {
				return errors.New("ota: multiple payloads not supported")
			}
			logger.Info("ota:artifact-begin",
				slog.String("type", ev.Type),
				slog.Int("size", int(ev.Size)),
				slog.String("hash", ev.ExpectedHashHex),
			)
			if err := otaEngine.Open(uint32(ev.Size), ev.ExpectedHashHex); err != nil {
				return err
			}
			opened = true
		case artifact.EventDataChunk:
			if !opened {
				return errors.New("ota: data chunk before begin")
			}
			_, err := otaEngine.Write(ev.Data)
			return err
		}
		return nil
	}

	chunkNum := 0
	for {
		feedWatchdogIfHealthy()

		err := readExactly(conn, readBuf[:4], 30*time.Second)
		if err != nil {
			logger.Error("ota:read-timeout", slog.String("err", err.Error()))
			return
		}

		if string(readBuf[:4]) == "DONE" {
			// Drain rest of the DONE line.
			readWithTimeout(conn, readBuf[4:], 2*time.Second)

			logger.Info("ota:finalizing",
				slog.Int("bytes", int(totalBytes)),
				slog.Int("chunks", chunkNum),
			)

			if !opened {
				writeOTA(conn, "ERROR no payload received\n")
				flushOTA(conn)
				return
			}

			if err := otaEngine.Flush(true); err != nil {
				logger.Error("ota:verify-failed", slog.String("err", err.Error()))
				writeOTA(conn, "ERROR ")
				writeOTA(conn, err.Error())
				writeOTA(conn, "\n")
				flushOTA(conn)
				return
			}
			if err := otaEngine.SetPending(true); err != nil {
				logger.Error("ota:set-pending-failed", slog.String("err", err.Error()))
				writeOTA(conn, "ERROR ")
				writeOTA(conn, err.Error())
				writeOTA(conn, "\n")
				flushOTA(conn)
				return
			}

			writeOTA(conn, "VERIFIED\n")
			flushOTA(conn)
			logger.Info("ota:complete", slog.Int("bytes", int(totalBytes)))

			telemetry.Resume()
			telemetry.Flush()
			time.Sleep(3000 * time.Millisecond)

			logger.Warn("ota:reboot-required")
			// No hardware reboot primitive in scope; starve the watchdog
			// so the next feed deadline forces a hardware reset into the
			// pending slot.
			systemHealthy = false
			return
		}

		chunkLen := binary.LittleEndian.Uint32(readBuf[:4])
		if chunkLen > uint32(len(otaChunk)) {
			logger.Error("ota:chunk-too-large", slog.Int("size", int(chunkLen)))
			writeOTA(conn, "ERROR chunk too large\n")
			flushOTA(conn)
			return
		}
		if totalBytes+chunkLen > otaMaxArtifactSize {
			logger.Error("ota:artifact-too-large")
			writeOTA(conn, "ERROR artifact too large\n")
			flushOTA(conn)
			return
		}

		err = readExactly(conn, otaChunk[:chunkLen], 30*time.Second)
		if err != nil {
			logger.Error("ota:chunk-read-failed",
				slog.Int("chunk", chunkNum),
				slog.Int("expected", int(chunkLen)),
				slog.String("err", err.Error()),
			)
			return
		}

		feedWatchdogIfHealthy()
		if err := parser.Process(otaChunk[:chunkLen], onEvent); err != nil {
			logger.Error("ota:parse-failed", slog.String("err", err.Error()))
			writeOTA(conn, "ERROR ")
			writeOTA(conn, err.Error())
			writeOTA(conn, "\n")
			flushOTA(conn)
			return
		}

		totalBytes += chunkLen
		chunkNum++

		writeOTA(conn, "ACK ")
		writeOTAInt(conn, int(totalBytes))
		writeOTA(conn, "\n")
		flushOTA(conn)

		time.Sleep(20 * time.Millisecond)
		for i := 0; i < 10; i++ {
			runtime.Gosched()
		}
	}
}

// readWithTimeout reads from connection with timeout (returns on first data)
func readWithTimeout(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	totalRead := 0

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return totalRead, io.EOF
		}

		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return totalRead, err
		}

		if n > 0 {
			totalRead += n
			return totalRead, nil
		}

		time.Sleep(10 * time.Millisecond)
	}

	return totalRead, errors.New("timeout")
}

// readExactly reads exactly n bytes from connection with timeout
func readExactly(conn *tcp.Conn, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	totalRead := 0
	needed := len(buf)

	for totalRead < needed && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return io.EOF
		}

		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return err
		}

		if n > 0 {
			totalRead += n
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}

	if totalRead < needed {
		return errors.New("timeout")
	}
	return nil
}

// writeOTA writes a string to the OTA connection
func writeOTA(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

// writeOTAInt writes an integer to the OTA connection
func writeOTAInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

// flushOTA flushes the OTA connection
func flushOTA(conn *tcp.Conn) {
	conn.Flush()
	for i := 0; i < 5; i++ {
		runtime.Gosched()
	}
}

// formatHex formats a uint32 as hex string
func formatHex(n uint32) string {
	const hexDigits = "0123456789abcdef"
	var buf [10]byte
	buf[0] = '0'
	buf[1] = 'x'
	for i := 9; i >= 2; i-- {
		buf[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return string(buf[:])
}

// trimSpace trims whitespace from string
func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

// truncate truncates a string to max length
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
