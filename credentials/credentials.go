package credentials

import (
	_ "embed"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string

	//go:embed device_key.der
	deviceKey []byte
	//go:embed device_pub.der
	devicePub []byte

	//go:embed mender_ca.pem
	menderCA []byte
	//go:embed mender_client.pem
	menderClientCert []byte
	//go:embed mender_client_key.pem
	menderClientKey []byte
)

// SSID returns the contents of ssid.text file predefined by user in this package.
// This package is NOT meant to be imported outside of the examples in the CYW43439 repo.
// If you program is failing to compile it is because you need to create a ssid.text and password.text file
// in this package's directory containing the SSID and password of the network you wish to connect to.
//
// Deprecated: Marked as deprecated so IDE warns users agains its use. Your wifi password should be defined outside of this repo for security reasons!
func SSID() string {
	return ssid
}

// Password returns the contents of password.text file predefined by user in this package.
// This package is NOT meant to be imported outside of the examples in the CYW43439 repo.
// If you program is failing to compile it is because you need to create a ssid.text and password.text file
// in this package's directory containing the SSID and password of the network you wish to connect to.
//
// Deprecated: Marked as deprecated so IDE warns users agains its use. Your wifi password should be defined outside of this repo for security reasons!
func Password() string {
	return pass
}

// ConsolePassword returns the contents of console_password.text file predefined by user in this package.
// Used for debug console authentication.
//
// Deprecated: Marked as deprecated so IDE warns users agains its use. Your console password should be defined outside of this repo for security reasons!
func ConsolePassword() string {
	return consolePass
}

// DeviceKey returns the PKCS#8 DER-encoded device private key used to sign
// JWT auth requests against the Mender server.
//
// Deprecated: create device_key.der yourself, never commit a real key to this repo.
func DeviceKey() []byte {
	return deviceKey
}

// DevicePub returns the DER-encoded device public key sent alongside the
// JWT auth request so the server can identify/accept the device.
func DevicePub() []byte {
	return devicePub
}

// MenderCA returns the PEM-encoded CA chain that the modem driver uploads
// to the modem's TLS context for its MQTT session. The gateway's own
// WiFi connections (Mender HTTP, MQTT uplink) do not use it: they run
// without TLS.
func MenderCA() []byte {
	return menderCA
}

// MenderClientCert returns the PEM-encoded client certificate presented
// for mutual TLS, if the deployment requires it.
func MenderClientCert() []byte {
	return menderClientCert
}

// MenderClientKey returns the PEM-encoded private key matching MenderClientCert.
func MenderClientKey() []byte {
	return menderClientKey
}
