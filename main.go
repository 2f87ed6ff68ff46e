//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"context"
	"log/slog"
	"machine"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"openenterprise/telemetry-gateway/cloudclient"
	"openenterprise/telemetry-gateway/config"
	"openenterprise/telemetry-gateway/connmgr"
	"openenterprise/telemetry-gateway/credentials"
	"openenterprise/telemetry-gateway/modem"
	"openenterprise/telemetry-gateway/ota"
	"openenterprise/telemetry-gateway/telemetry"
	"openenterprise/telemetry-gateway/uplink"
	"openenterprise/telemetry-gateway/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

// Configuration (loaded from config files, with defaults)
var (
	wakeInterval           = 15 * time.Minute
	deploymentPollInterval = 3 * time.Hour
)

// Global WiFi stack reference
var globalCyStack *cywnet.Stack

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// Channel for manual deployment-poll requests from console
var deployChan = make(chan struct{}, 1)

// Debug sleep override duration (0 = use configured wake interval)
var debugPollDuration time.Duration

// Functional watchdog state
var (
	lastSuccessfulPoll  time.Time
	consecutiveFailures int
	systemHealthy       = true // When false, stop feeding watchdog to trigger reset
)

var lastDeploymentPoll time.Time

// forcePollNow forces the next wake cycle to poll regardless of interval
// (used by the console's manual "deploy" command).
var forcePollNow bool

// NTP tracking
var (
	lastNTPSync   time.Time
	ntpSyncCount  int
	ntpFailCount  int
	ntpTimeOffset time.Duration
	dnsServers    []netip.Addr
)

// Functional watchdog thresholds
const (
	maxConsecutiveFailures = 3
	maxHoursWithoutPoll    = 12
)

// Connection status mirror, kept current for the console's "conn" command.
var (
	connStatusMu    sync.Mutex
	connStatusCache connmgr.Status
)

// fatalError handles unrecoverable errors by waiting for watchdog reset.
// There is no hardware reboot primitive available to this module (the
// RP2350 ROM bootrom calls the teacher used for that are out of scope,
// see DESIGN.md); starving the watchdog is the only recovery path.
func fatalError(msg string) {
	println(msg)
	systemHealthy = false
	for {
		time.Sleep(time.Second)
	}
}

// WiFi / transport quality tracking
var wifiStats struct {
	connectTime      time.Time
	lastPollSuccess  time.Time
	lastPollAttempt  time.Time
	pollSuccessCount int
	pollFailCount    int
}

func main() {
	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  Telemetry Gateway")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12), // Suppress all network stack logging
	}))

	initConsole()

	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	// Bring up the OTA engine against onboard flash and mark the booted
	// slot valid; a pending update that still boots this far is good.
	otaEngine = ota.NewEngine(onboardFlash{})
	if err := otaEngine.MarkValid(); err != nil {
		logger.Warn("ota:mark-valid-failed", slog.String("err", err.Error()))
	}
	bootPartition, err := otaEngine.CurrentPartition()
	if err != nil {
		logger.Warn("ota:current-partition-unknown", slog.String("err", err.Error()))
	} else {
		logger.Info("ota:booted", slog.Int("partition", bootPartition))
	}

	shortSHA := version.GitSHA
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	logger.Info("init:complete",
		slog.String("version", version.Version),
		slog.String("sha", shortSHA),
		slog.Int("partition", bootPartition),
	)

	brokerAddr, err := config.BrokerAddr()
	if err != nil {
		logger.Error("config:broker-invalid", slog.String("err", err.Error()))
		fatalError("Invalid broker address - waiting for reset...")
	}
	logger.Info("config:broker", slog.String("addr", brokerAddr.String()))

	wakeInterval = config.WakeInterval()
	deploymentPollInterval = config.DeploymentPollInterval()
	logger.Info("config:timing",
		slog.Duration("wake_interval", wakeInterval),
		slog.Duration("deployment_poll_interval", deploymentPollInterval),
	)

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "telemetry-gateway",
			MaxTCPPorts: 4, // MQTT + debug console + OTA push + cloud HTTP
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}
	globalCyStack = cystack

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	wifiStats.connectTime = time.Now()
	dnsServers = dhcpResults.DNSServers

	stack := cystack.LnetoStack()

	logger.Info("ntp:init", slog.String("server", config.NTPServer()))
	if _, err := syncNTP(stack, dnsServers, logger); err != nil {
		logger.Warn("ntp:init-failed", slog.String("err", err.Error()))
		logger.Warn("ntp:time-not-synced", slog.String("fallback", "deployment response timestamps"))
	}

	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	// Connection manager supervises the WiFi/LTE active link. Nothing here
	// sends it connection events or sets its WiFiHealthy/LteHealthy hooks,
	// so its status stays at Active == None.
	connMgr := connmgr.New()
	connMgr.SetLogger(logger)
	go mirrorConnStatus(connMgr)
	connCtx := context.Background()
	go connMgr.Run(connCtx)

	// LTE modem bring-up over UART1. The driver runs its own MQTT session
	// through the modem for GNSS trip messages; CAN frames from the outbox
	// are published only over WiFi, never over this path.
	uart := machine.UART1
	uart.Configure(machine.UARTConfig{BaudRate: uint32(config.ModemBaud())})
	urcRouter := modem.NewURCRouter()
	port := modem.NewPort(uart, urcRouter)
	go port.RunIngress(connCtx.Done())

	brokerHost, brokerPort := brokerHostPort(brokerAddr)
	modemDriver = modem.NewDriver(port, urcRouter, modem.Config{
		BrokerHost: brokerHost,
		BrokerPort: brokerPort,
		ClientID:   config.ClientID(),
		User:       config.MQTTUser(),
		Pass:       config.MQTTPass(),
		DeviceID:   config.DeviceName(),
	}, modem.Credentials{
		CAChain:    credentials.MenderCA(),
		ClientCert: credentials.MenderClientCert(),
		ClientKey:  credentials.MenderClientKey(),
	}, logger)
	go modemDriver.Run(connCtx.Done())

	// Outbox buffers CAN frames destined for the cloud uplink regardless
	// of which transport (WiFi MQTT or LTE) is currently active.
	canOutbox = uplink.NewOutbox(256)
	publisher := uplink.NewPublisher(stack, brokerAddr, logger)
	go publisher.Run(canOutbox, connMgr.StatusChan(), connCtx.Done())

	menderHost, _, _, _ := splitURL(config.MenderServerURL())
	cloud := cloudclient.New(stack, menderServerAddr(stack, logger), menderHost)
	if err := cloud.Authenticate(deviceIDData(), credentials.DevicePub(), config.TenantToken(), credentials.DeviceKey()); err != nil {
		logger.Warn("cloud:auth-failed", slog.String("err", err.Error()))
	}

	go consoleServer(stack, logger, deployChan)
	otaServerInit(stack, logger)

	lastSuccessfulPoll = time.Now()
	lastDeploymentPoll = time.Time{}

	for {
		feedWatchdogIfHealthy()

		telemetry.GenerateTraceID(stack)
		cycleSpanIdx := telemetry.StartServerSpan(stack, "wake-cycle")

		timeSinceLastPoll := time.Since(lastDeploymentPoll)
		needsPoll := timeSinceLastPoll >= deploymentPollInterval || forcePollNow
		manualPoll := forcePollNow
		forcePollNow = false

		logger.Info("cycle:start",
			slog.Duration("since_last_poll", timeSinceLastPoll),
			slog.Bool("needs_poll", needsPoll),
			slog.Bool("manual_poll", manualPoll),
		)

		if needsPoll {
			ntpSpanIdx := telemetry.StartSpan(stack, "ntp-sync")
			if _, err := syncNTP(stack, dnsServers, logger); err != nil {
				telemetry.EndSpan(ntpSpanIdx, false)
				logger.Warn("ntp:resync-failed", slog.String("err", err.Error()))
			} else {
				telemetry.EndSpan(ntpSpanIdx, true)
			}

			feedWatchdogIfHealthy()

			const (
				pollMinBackoff = 16 * time.Second
				pollMaxBackoff = 60 * time.Second
				pollMaxRetries = 3
			)
			var pollSuccess bool
			backoff := pollMinBackoff
			pollSpanIdx := telemetry.StartSpan(stack, "deployment-poll")

			for attempt := 0; attempt <= pollMaxRetries; attempt++ {
				wifiStats.lastPollAttempt = time.Now()

				if attempt > 0 {
					logger.Info("poll:backoff", slog.Int("attempt", attempt+1), slog.Duration("wait", backoff))
					sleepWithWatchdog(backoff)
					backoff *= 2
					if backoff > pollMaxBackoff {
						backoff = pollMaxBackoff
					}
				}

				feedWatchdogIfHealthy()
				logger.Info("deployment:polling", slog.Int("attempt", attempt+1))

				err := pollAndInstallDeployment(stack, cloud, logger)
				if err != nil {
					logger.Error("deployment:poll-failed", slog.String("err", err.Error()), slog.Int("attempt", attempt+1))
					wifiStats.pollFailCount++
					if attempt < pollMaxRetries {
						continue
					}
					telemetry.EndSpan(pollSpanIdx, false)
					consecutiveFailures++
					logger.Warn("watchdog:failure-count",
						slog.Int("consecutive", consecutiveFailures),
						slog.Int("max", maxConsecutiveFailures),
					)
					checkSystemHealth(logger)
				} else {
					telemetry.EndSpan(pollSpanIdx, true)
					wifiStats.lastPollSuccess = time.Now()
					wifiStats.pollSuccessCount++
					lastDeploymentPoll = time.Now()

					telemetry.RecordCounter("deployment.poll.success.count", int64(wifiStats.pollSuccessCount))
					telemetry.RecordCounter("deployment.poll.fail.count", int64(wifiStats.pollFailCount))

					consecutiveFailures = 0
					lastSuccessfulPoll = time.Now()
					logger.Info("deployment:poll-complete", slog.String("time", lastSuccessfulPoll.Format("15:04:05")))
					pollSuccess = true
					break
				}
			}
			_ = pollSuccess
		}

		feedWatchdogIfHealthy()
		telemetry.EndSpan(cycleSpanIdx, true)

		logger.Info("sleep:starting",
			slog.Duration("duration", wakeInterval),
			slog.Duration("until_next_poll", deploymentPollInterval-time.Since(lastDeploymentPoll)),
		)
		sleepWithPollCheck(wakeInterval, deployChan, logger)
		logger.Info("sleep:waking")
	}
}

// sleepWithPollCheck sleeps for the given duration but wakes early on a
// manual deployment-poll request from the console.
func sleepWithPollCheck(duration time.Duration, deployChan chan struct{}, logger *slog.Logger) {
	if debugPollDuration > 0 {
		duration = debugPollDuration
		logger.Info("sleep:using-debug-duration", slog.Duration("duration", duration))
	}

	checkInterval := 5 * time.Second
	if duration < checkInterval {
		checkInterval = duration
	}
	elapsed := time.Duration(0)

	for elapsed < duration {
		feedWatchdogIfHealthy()
		select {
		case <-deployChan:
			logger.Info("sleep:manual-poll-triggered")
			forcePollNow = true
			return
		case <-time.After(checkInterval):
			elapsed += checkInterval
		}
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// checkSystemHealth sets systemHealthy=false if thresholds are exceeded,
// which causes the watchdog to time out and reset the device.
func checkSystemHealth(logger *slog.Logger) {
	if consecutiveFailures >= maxConsecutiveFailures {
		logger.Error("watchdog:unhealthy",
			slog.String("reason", "max consecutive failures"),
			slog.Int("failures", consecutiveFailures),
		)
		systemHealthy = false
		return
	}

	hoursSinceSuccess := time.Since(lastSuccessfulPoll).Hours()
	if hoursSinceSuccess >= maxHoursWithoutPoll {
		logger.Error("watchdog:unhealthy",
			slog.String("reason", "max hours without poll"),
			slog.Float64("hours", hoursSinceSuccess),
		)
		systemHealthy = false
		return
	}
}

// loopForeverStack processes network packets in the background.
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}

// mirrorConnStatus keeps connStatusCache current for the console.
func mirrorConnStatus(mgr *connmgr.Manager) {
	for s := range mgr.StatusChan() {
		connStatusMu.Lock()
		connStatusCache = s
		connStatusMu.Unlock()
	}
}

var ntpFallbackServers = []string{
	"time.cloudflare.com",
	"time.google.com",
	"pool.ntp.org",
}

// syncNTP performs NTP time synchronization, trying the configured
// server first and falling back to public pools, with exponential
// backoff between attempts.
func syncNTP(stack *xnet.StackAsync, dnsServers []netip.Addr, logger *slog.Logger) (time.Duration, error) {
	servers := []string{config.NTPServer()}
	for _, fallback := range ntpFallbackServers {
		if fallback != servers[0] {
			servers = append(servers, fallback)
		}
	}

	rstack := stack.StackRetrying(pollTime)
	var lastErr error
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for _, ntpHost := range servers {
		logger.Info("ntp:trying", slog.String("server", ntpHost))
		feedWatchdogIfHealthy()
		time.Sleep(100 * time.Millisecond)

		addrs, err := rstack.DoLookupIP(ntpHost, 5*time.Second, 2)
		if err != nil {
			logger.Warn("ntp:dns-failed", slog.String("server", ntpHost), slog.String("err", err.Error()))
			lastErr = err
			sleepWithWatchdog(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		logger.Info("ntp:dns-resolved", slog.String("server", ntpHost), slog.Int("addrs", len(addrs)))

		for i, addr := range addrs {
			feedWatchdogIfHealthy()
			time.Sleep(200 * time.Millisecond)
			logger.Info("ntp:requesting", slog.String("addr", addr.String()), slog.Int("attempt", i+1))

			offset, err := rstack.DoNTP(addr, 5*time.Second, 3)
			if err != nil {
				logger.Warn("ntp:addr-failed", slog.String("addr", addr.String()), slog.String("err", err.Error()))
				lastErr = err
				sleepWithWatchdog(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			runtime.AdjustTimeOffset(int64(offset))
			ntpTimeOffset = offset
			lastNTPSync = time.Now()
			ntpSyncCount++

			logger.Info("ntp:synced",
				slog.String("server", ntpHost),
				slog.String("addr", addr.String()),
				slog.String("time", time.Now().Format("2006-01-02 15:04:05")),
				slog.Duration("offset", offset),
			)
			return offset, nil
		}
	}

	ntpFailCount++
	logger.Error("ntp:all-failed", slog.Int("servers_tried", len(servers)))
	return 0, lastErr
}

// sleepWithWatchdog sleeps for the given duration while keeping the
// watchdog fed.
func sleepWithWatchdog(d time.Duration) {
	for d > 0 {
		chunk := 2 * time.Second
		if d < chunk {
			chunk = d
		}
		time.Sleep(chunk)
		feedWatchdogIfHealthy()
		d -= chunk
	}
}
