package config

import (
	_ "embed"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Defaults for operational configuration.
// These can be overridden by placing a non-empty value in the corresponding .text file.
const (
	DefaultWakeInterval           = 15 * time.Minute
	DefaultDeploymentPollInterval = 3 * time.Hour
	DefaultNTPServer              = "time.cloudflare.com"
	DefaultModemBaud              = 115200
	DefaultBrokerPort             = 8883
)

// Environment-specific configuration (must be provided via embedded text files).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string

	//go:embed telemetry_collector.text
	telemetryCollector string

	//go:embed mender_server.text
	menderServerURL string

	//go:embed tenant_token.text
	tenantToken string

	//go:embed device_type.text
	deviceType string

	//go:embed device_name.text
	deviceName string

	//go:embed lte_apn.text
	lteAPN string

	//go:embed mqtt_user.text
	mqttUser string

	//go:embed mqtt_pass.text
	mqttPass string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed wake_interval.text
	wakeIntervalOverride string

	//go:embed deployment_poll_interval.text
	deploymentPollIntervalOverride string

	//go:embed ntp_server.text
	ntpServerOverride string

	//go:embed modem_baud.text
	modemBaudOverride string
)

// BrokerAddr returns the MQTT broker address from broker.text file.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(brokerAddr)
	return netip.ParseAddrPort(addr)
}

// ClientID returns the MQTT client ID from clientid.text file.
func ClientID() string {
	return strings.TrimSpace(clientID)
}

// MQTTUser returns the MQTT username from mqtt_user.text.
func MQTTUser() string {
	return strings.TrimSpace(mqttUser)
}

// MQTTPass returns the MQTT password from mqtt_pass.text.
func MQTTPass() string {
	return strings.TrimSpace(mqttPass)
}

// TelemetryCollectorAddr returns the telemetry collector address from telemetry_collector.text file.
// Format: "host:port" e.g., "192.168.1.100:4318"
func TelemetryCollectorAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(telemetryCollector)
	return netip.ParseAddrPort(addr)
}

// MenderServerURL returns the base URL of the Mender management server.
func MenderServerURL() string {
	return strings.TrimSpace(menderServerURL)
}

// TenantToken returns the multi-tenant auth token sent with JWT auth requests.
func TenantToken() string {
	return strings.TrimSpace(tenantToken)
}

// DeviceType returns the Mender device type identity attribute.
func DeviceType() string {
	return strings.TrimSpace(deviceType)
}

// DeviceName returns the human-readable device name reported in inventory.
func DeviceName() string {
	return strings.TrimSpace(deviceName)
}

// LTEApn returns the APN the modem dials for packet data.
func LTEApn() string {
	return strings.TrimSpace(lteAPN)
}

// WakeInterval returns how long the main loop sleeps between wake
// cycles; each wake checks whether a deployment poll is due.
// Returns DefaultWakeInterval unless overridden via wake_interval.text.
func WakeInterval() time.Duration {
	if override := strings.TrimSpace(wakeIntervalOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil {
			return d
		}
	}
	return DefaultWakeInterval
}

// DeploymentPollInterval returns how often the device checks the Mender
// server for a pending deployment. Returns DefaultDeploymentPollInterval
// unless overridden via deployment_poll_interval.text.
func DeploymentPollInterval() time.Duration {
	if override := strings.TrimSpace(deploymentPollIntervalOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil {
			return d
		}
	}
	return DefaultDeploymentPollInterval
}

// NTPServer returns the NTP server hostname for time synchronization.
// Returns DefaultNTPServer unless overridden via ntp_server.text.
func NTPServer() string {
	if override := strings.TrimSpace(ntpServerOverride); override != "" {
		return override
	}
	return DefaultNTPServer
}

// ModemBaud returns the UART baud rate used to talk to the modem.
// Returns DefaultModemBaud unless overridden via modem_baud.text.
func ModemBaud() int {
	if override := strings.TrimSpace(modemBaudOverride); override != "" {
		if n, err := strconv.Atoi(override); err == nil {
			return n
		}
	}
	return DefaultModemBaud
}
