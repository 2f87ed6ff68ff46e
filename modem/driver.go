package modem

import (
	"fmt"
	"log/slog"
	"time"
)

// State is one node of the linear AT bring-up state machine described
// in spec.md §4.4.
type State int

const (
	ResetHardware State = iota
	DisableEcho
	GetModelId
	GetSoftwareVersion
	GetSimStatus
	GetSignalQuality
	GetNetworkInfo
	EnableGps
	EnableAssistGps
	SetFullFunctionality
	UploadFiles
	CheckNetworkRegistration
	MqttOpen
	MqttConnect
	MqttPublish
	Error
)

func (s State) String() string {
	names := [...]string{
		"ResetHardware", "DisableEcho", "GetModelId", "GetSoftwareVersion",
		"GetSimStatus", "GetSignalQuality", "GetNetworkInfo", "EnableGps",
		"EnableAssistGps", "SetFullFunctionality", "UploadFiles",
		"CheckNetworkRegistration", "MqttOpen", "MqttConnect", "MqttPublish",
		"Error",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// Credentials bundles the three compiled-in TLS blobs uploaded to the
// modem filesystem during UploadFiles.
type Credentials struct {
	CAChain    []byte
	ClientCert []byte
	ClientKey  []byte
}

// Config carries the modem bring-up parameters.
type Config struct {
	PenPin       func(high bool)
	BrokerHost   string
	BrokerPort   int
	ClientID     string
	User         string
	Pass         string
	DeviceID     string
	TripID       func() string
}

// Driver runs the linear AT state machine. Any terminal failure routes
// to Error, which waits 5s and re-enters ResetHardware, per spec.md
// §4.4.
type Driver struct {
	port *Port
	urcs <-chan URC
	cfg  Config
	creds Credentials
	log  *slog.Logger

	state State

	gnmea func() (string, string, string, byte, string, byte, error)
}

// NewDriver constructs a Driver bound to port, subscribed to the given
// URC router.
func NewDriver(port *Port, router *URCRouter, cfg Config, creds Credentials, log *slog.Logger) *Driver {
	return &Driver{
		port:  port,
		urcs:  router.Subscribe(),
		cfg:   cfg,
		creds: creds,
		log:   log,
		state: ResetHardware,
	}
}

// SetGNMEAReader sets the function MqttPublish uses to read the latest
// GNSS fix. The driver has no reader of its own and sends no GNSS query
// to the modem: until a reader is set, MqttPublish publishes nothing and
// stays in MqttPublish. The returned fields are (utcTime, date, lat,
// latHemi, lon, lonHemi, err) in the form they take in a "+QGPSGNMEA:
// RMC,..." response.
func (d *Driver) SetGNMEAReader(f func() (string, string, string, byte, string, byte, error)) {
	d.gnmea = f
}

// State reports the current state without advancing the machine, for
// status reporting by callers such as the debug console.
func (d *Driver) State() State {
	return d.state
}

// Step runs exactly one state transition and returns the next state.
// Run calls Step in a loop; tests can call Step directly to assert
// transitions without looping forever.
func (d *Driver) Step() State {
	next, err := d.runState(d.state)
	if err != nil {
		d.logf("state %s failed: %v", d.state, err)
		d.state = Error
		return d.state
	}
	d.state = next
	return d.state
}

// Run drives the state machine forever until done is closed.
func (d *Driver) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		d.Step()
	}
}

func (d *Driver) logf(format string, args ...any) {
	if d.log == nil {
		return
	}
	d.log.Info("modem: " + fmt.Sprintf(format, args...))
}

func (d *Driver) runState(s State) (State, error) {
	switch s {
	case ResetHardware:
		return d.resetHardware()
	case DisableEcho:
		_, err := d.port.Send("ATE0", 300*time.Millisecond)
		return next(err, GetModelId)
	case GetModelId:
		_, err := d.port.Send("AT+GMM", 300*time.Millisecond)
		return next(err, GetSoftwareVersion)
	case GetSoftwareVersion:
		_, err := d.port.Send("AT+GMR", 300*time.Millisecond)
		return next(err, GetSimStatus)
	case GetSimStatus:
		_, err := d.port.Send("AT+CPIN?", 5*time.Second)
		return next(err, GetSignalQuality)
	case GetSignalQuality:
		_, err := d.port.Send("AT+CSQ", 300*time.Millisecond)
		return next(err, GetNetworkInfo)
	case GetNetworkInfo:
		_, err := d.port.Send("AT+COPS?", 5*time.Second)
		return next(err, EnableGps)
	case EnableGps:
		_, err := d.port.Send("AT+QGPS=1", 5*time.Second)
		return next(err, EnableAssistGps)
	case EnableAssistGps:
		_, err := d.port.Send("AT+QGPSCFG=\"gpsnmeatype\",1", 300*time.Millisecond)
		return next(err, SetFullFunctionality)
	case SetFullFunctionality:
		_, err := d.port.Send("AT+CFUN=1", 15*time.Second)
		return next(err, UploadFiles)
	case UploadFiles:
		return d.uploadFiles()
	case CheckNetworkRegistration:
		return d.checkNetworkRegistration()
	case MqttOpen:
		return d.mqttOpen()
	case MqttConnect:
		return d.mqttConnect()
	case MqttPublish:
		return d.mqttPublish()
	case Error:
		time.Sleep(5 * time.Second)
		return ResetHardware, nil
	}
	return ResetHardware, nil
}

func next(err error, ok State) (State, error) {
	if err != nil {
		return Error, err
	}
	return ok, nil
}

func (d *Driver) resetHardware() (State, error) {
	if d.cfg.PenPin != nil {
		d.cfg.PenPin(false)
		time.Sleep(1 * time.Second)
		d.cfg.PenPin(true)
	}
	time.Sleep(5 * time.Second)
	return DisableEcho, nil
}

// uploadFiles deletes stale credential files then chunks the three
// compiled-in TLS blobs into 1024-byte AT+QFUPL writes, then configures
// TLS context 2 and MQTT SSL per spec.md §4.4.
func (d *Driver) uploadFiles() (State, error) {
	for _, name := range []string{"crt.pem", "dvt.crt", "dvt.key"} {
		d.port.Send(fmt.Sprintf("AT+QFDEL=%q", name), 300*time.Millisecond)
	}

	files := []struct {
		name string
		data []byte
	}{
		{"crt.pem", d.creds.CAChain},
		{"dvt.crt", d.creds.ClientCert},
		{"dvt.key", d.creds.ClientKey},
	}
	for _, f := range files {
		if err := d.uploadOneFile(f.name, f.data); err != nil {
			return Error, err
		}
	}

	cmds := []string{
		`AT+QSSLCFG="cacert",2,"crt.pem"`,
		`AT+QSSLCFG="clientcert",2,"dvt.crt"`,
		`AT+QSSLCFG="clientkey",2,"dvt.key"`,
		`AT+QSSLCFG="seclevel",2,2`,
		`AT+QSSLCFG="sslversion",2,4`,
		`AT+QSSLCFG="ciphersuite",2,0xFFFF`,
		`AT+QSSLCFG="ignorelocaltime",2,1`,
		`AT+QMTCFG="version",0,4`,
		`AT+QMTCFG="SSL",0,1,2`,
	}
	for _, c := range cmds {
		if _, err := d.port.Send(c, 300*time.Millisecond); err != nil {
			return Error, err
		}
	}
	return CheckNetworkRegistration, nil
}

func (d *Driver) uploadOneFile(name string, data []byte) error {
	const chunk = 1024
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		slice := data[off:end]
		if _, err := d.port.Send(fmt.Sprintf("AT+QFUPL=%q,%d", name, len(slice)), 300*time.Millisecond); err != nil {
			return err
		}
		if _, err := d.port.w.Write(slice); err != nil {
			return ErrCommandFailed
		}
	}
	return nil
}

// checkNetworkRegistration polls AT+CEREG? every 1s for up to 30s.
// stat==1 (home) or stat==5 (roaming) succeed; 2 means searching
// (continue); 3 (denied) and 4 (unknown/failed) fail.
func (d *Driver) checkNetworkRegistration() (State, error) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := d.port.Send("AT+CEREG?", 1*time.Second)
		if err == nil {
			stat := parseCEREGStat(resp)
			switch stat {
			case 1, 5:
				return MqttOpen, nil
			case 3, 4:
				return Error, ErrCommandFailed
			}
		}
		time.Sleep(1 * time.Second)
	}
	return Error, ErrTimeout
}

func parseCEREGStat(resp string) int {
	// Expected shape: "+CEREG: 2,1" — take the field after the comma.
	idx := lastIndexByte(resp, ',')
	if idx < 0 || idx+1 >= len(resp) {
		return -1
	}
	n := 0
	for i := idx + 1; i < len(resp) && resp[i] >= '0' && resp[i] <= '9'; i++ {
		n = n*10 + int(resp[i]-'0')
	}
	return n
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (d *Driver) mqttOpen() (State, error) {
	cmd := fmt.Sprintf(`AT+QMTOPEN=0,"%s",%d`, d.cfg.BrokerHost, d.cfg.BrokerPort)
	if _, err := d.port.Send(cmd, 5*time.Second); err != nil {
		return Error, err
	}
	u, err := WaitURC(d.urcs, "QMTOPEN", 30*time.Second)
	if err != nil {
		return Error, err
	}
	if parseURCField(u.Raw, 1) != 0 {
		return Error, ErrCommandFailed
	}
	return MqttConnect, nil
}

func (d *Driver) mqttConnect() (State, error) {
	cmd := fmt.Sprintf(`AT+QMTCONN=0,"%s","%s","%s"`, d.cfg.ClientID, d.cfg.User, d.cfg.Pass)
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := d.port.Send(cmd, 5*time.Second); err != nil {
			lastErr = err
			time.Sleep(1 * time.Second)
			continue
		}
		u, err := WaitURC(d.urcs, "QMTCONN", 30*time.Second)
		if err != nil {
			lastErr = err
			time.Sleep(1 * time.Second)
			continue
		}
		if parseURCField(u.Raw, 1) == 0 {
			return MqttPublish, nil
		}
		lastErr = ErrCommandFailed
		time.Sleep(1 * time.Second)
	}
	if lastErr == nil {
		lastErr = ErrCommandFailed
	}
	return Error, lastErr
}

func (d *Driver) mqttPublish() (State, error) {
	time.Sleep(1 * time.Second)
	if d.gnmea == nil {
		return MqttPublish, nil
	}
	utc, date, lat, latH, lon, lonH, err := d.gnmea()
	if err != nil {
		return Error, err
	}
	ts, err := UnixMillisFromNMEA(utc, date)
	if err != nil {
		return Error, err
	}
	latDec, err := LatLonDecimal(lat, latH)
	if err != nil {
		return Error, err
	}
	lonDec, err := LatLonDecimal(lon, lonH)
	if err != nil {
		return Error, err
	}

	tripID := ""
	if d.cfg.TripID != nil {
		tripID = d.cfg.TripID()
	}
	payload := fmt.Sprintf(
		`{"device_id":%q,"trip_id":%q,"latitude":%f,"longitude":%f,"timestamp":%d}`,
		d.cfg.DeviceID, tripID, latDec, lonDec, ts)

	topic := fmt.Sprintf("channels/%s/messages/client/trip", d.cfg.ClientID)
	pubCmd := fmt.Sprintf(`AT+QMTPUBEX=0,0,0,0,"%s",%d`, topic, len(payload))
	if _, err := d.port.Send(pubCmd, 5*time.Second); err != nil {
		return Error, err
	}
	if _, err := d.port.w.Write([]byte(payload)); err != nil {
		return Error, ErrCommandFailed
	}
	return MqttPublish, nil
}

// parseURCField extracts the Nth comma-separated integer field from a
// "+PREFIX: a,b,c" style URC line (0-indexed after the colon).
func parseURCField(raw string, n int) int {
	idx := lastIndexByte(raw, ':')
	if idx < 0 {
		return -1
	}
	rest := raw[idx+1:]
	field := 0
	val := 0
	neg := false
	for i := 0; i <= len(rest); i++ {
		if i == len(rest) || rest[i] == ',' {
			if field == n {
				if neg {
					val = -val
				}
				return val
			}
			field++
			val = 0
			neg = false
			continue
		}
		c := rest[i]
		switch {
		case c == ' ':
		case c == '-':
			neg = true
		case c >= '0' && c <= '9':
			val = val*10 + int(c-'0')
		}
	}
	return -1
}
