//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"openenterprise/telemetry-gateway/artifact"
	"openenterprise/telemetry-gateway/cloudclient"
	"openenterprise/telemetry-gateway/config"
	"openenterprise/telemetry-gateway/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

var (
	errNotResolvable    = errors.New("deploy: could not resolve artifact host")
	errDataBeforeBegin  = errors.New("deploy: data chunk before payload begin")
	errNoPayload        = errors.New("deploy: artifact carried no payload")
)

// brokerHostPort splits a resolved MQTT broker address into the
// host/port pair the modem driver's AT+QMTOPEN wants.
func brokerHostPort(addr netip.AddrPort) (string, int) {
	return addr.Addr().String(), int(addr.Port())
}

// deviceIDData builds the identity JSON object sent in auth_requests;
// the device type/name pair is the identity Mender authenticates by
// since this gateway has no stable MAC available before WiFi bring-up.
func deviceIDData() []byte {
	return []byte(`{"device_type":"` + config.DeviceType() + `","name":"` + config.DeviceName() + `"}`)
}

// menderServerAddr resolves the configured Mender server URL to an
// address the cloudclient can dial.
func menderServerAddr(stack *xnet.StackAsync, logger *slog.Logger) netip.AddrPort {
	host, port, _, _ := splitURL(config.MenderServerURL())
	rstack := stack.StackRetrying(pollTime)
	addrs, err := rstack.DoLookupIP(host, 5*time.Second, 2)
	if err != nil || len(addrs) == 0 {
		logger.Warn("cloud:dns-failed", slog.String("host", host), slog.String("err", errString(err)))
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addrs[0], uint16(port))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// splitURL parses "scheme://host[:port]/path" into its parts. Ports
// default to 443 for https and 80 otherwise; this mirrors cloudclient's
// own plain-TCP transport (no TLS handshake is performed anywhere in
// this module), so the scheme only affects the default port chosen.
func splitURL(raw string) (host string, port int, path string, https bool) {
	rest := raw
	https = strings.HasPrefix(rest, "https://")
	rest = strings.TrimPrefix(rest, "https://")
	rest = strings.TrimPrefix(rest, "http://")

	slash := strings.IndexByte(rest, '/')
	authority := rest
	path = "/"
	if slash >= 0 {
		authority = rest[:slash]
		path = rest[slash:]
	}

	port = 80
	if https {
		port = 443
	}
	host = authority
	if colon := strings.IndexByte(authority, ':'); colon >= 0 {
		host = authority[:colon]
		if p, err := strconv.Atoi(authority[colon+1:]); err == nil {
			port = p
		}
	}
	return host, port, path, https
}

// pollAndInstallDeployment checks for a pending deployment and, if one
// is available, streams and applies its artifact.
func pollAndInstallDeployment(stack *xnet.StackAsync, cloud *cloudclient.Client, logger *slog.Logger) error {
	info, ok, err := cloud.NextDeployment(version.Version, config.DeviceType())
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("deployment:none-pending")
		return nil
	}

	logger.Info("deployment:found", slog.String("id", info.ID), slog.String("artifact", info.ArtifactName))

	if otaEngine == nil {
		logger.Error("deployment:no-engine")
		return cloud.PublishStatus(info.ID, cloudclient.StatusFailure)
	}

	cloud.PublishStatus(info.ID, cloudclient.StatusDownloading)
	if err := streamInstallArtifact(stack, info.URI, logger); err != nil {
		logger.Error("deployment:install-failed", slog.String("err", err.Error()))
		cloud.PublishStatus(info.ID, cloudclient.StatusFailure)
		return err
	}

	cloud.PublishStatus(info.ID, cloudclient.StatusInstalling)
	if err := otaEngine.SetPending(true); err != nil {
		logger.Error("deployment:set-pending-failed", slog.String("err", err.Error()))
		cloud.PublishStatus(info.ID, cloudclient.StatusFailure)
		return err
	}

	cloud.PublishStatus(info.ID, cloudclient.StatusRebooting)
	logger.Warn("deployment:reboot-required")
	systemHealthy = false
	return nil
}

const deployBufSize = 4096

var deployTxBuf [deployBufSize]byte
var deployRxBuf [deployBufSize]byte
var deployReadBuf [deployBufSize]byte

// streamInstallArtifact fetches uri over plain HTTP and feeds the
// response body through an artifact.Context, driving the OTA engine
// as payload events arrive so the artifact never needs to be buffered
// whole.
func streamInstallArtifact(stack *xnet.StackAsync, uri string, logger *slog.Logger) error {
	host, port, path, _ := splitURL(uri)

	rstack := stack.StackRetrying(pollTime)
	addrs, err := rstack.DoLookupIP(host, 5*time.Second, 2)
	if err != nil || len(addrs) == 0 {
		return errNotResolvable
	}
	serverAddr := netip.AddrPortFrom(addrs[0], uint16(port))

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             deployRxBuf[:],
		TxBuf:             deployTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return err
	}
	lport := uint16(stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, serverAddr, 10*time.Second, 2); err != nil {
		return err
	}
	defer func() {
		conn.Close()
		for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
	}()

	conn.SetDeadline(time.Now().Add(2 * time.Minute))
	conn.Write([]byte("GET "))
	conn.Write([]byte(path))
	conn.Write([]byte(" HTTP/1.1\r\nHost: "))
	conn.Write([]byte(host))
	conn.Write([]byte("\r\nConnection: close\r\n\r\n"))
	conn.Flush()

	parser := artifact.New()
	var opened bool
	var headerDone bool
	var headerBuf []byte

	onEvent := func(ev artifact.Event) error {
		switch ev.Kind {
		case artifact.EventBegin:
			logger.Info("deployment:artifact-begin", slog.String("type", ev.Type), slog.Int("size", int(ev.Size)))
			if err := otaEngine.Open(uint32(ev.Size), ev.ExpectedHashHex); err != nil {
				return err
			}
			opened = true
		case artifact.EventDataChunk:
			if !opened {
				return errDataBeforeBegin
			}
			_, err := otaEngine.Write(ev.Data)
			return err
		}
		return nil
	}

	for {
		feedWatchdogIfHealthy()
		n, err := conn.Read(deployReadBuf[:])
		if n > 0 {
			chunk := deployReadBuf[:n]
			if !headerDone {
				headerBuf = append(headerBuf, chunk...)
				if idx := indexHeaderEnd(headerBuf); idx >= 0 {
					headerDone = true
					chunk = headerBuf[idx:]
					headerBuf = nil
				} else {
					chunk = nil
				}
			}
			if len(chunk) > 0 {
				if perr := parser.Process(chunk, onEvent); perr != nil {
					return perr
				}
			}
		}
		if err != nil {
			break
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	if !opened {
		return errNoPayload
	}
	return otaEngine.Flush(true)
}

func indexHeaderEnd(buf []byte) int {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return i + 4
		}
	}
	return -1
}
