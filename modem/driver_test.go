package modem

import (
	"testing"
	"time"
)

func TestParseCEREGStat(t *testing.T) {
	cases := map[string]int{
		"+CEREG: 2,1":   1,
		"+CEREG: 2,5":   5,
		"+CEREG: 2,2":   2,
		"+CEREG: 2,3":   3,
		"garbage":       -1,
	}
	for in, want := range cases {
		if got := parseCEREGStat(in); got != want {
			t.Errorf("parseCEREGStat(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseURCField(t *testing.T) {
	if got := parseURCField("+QMTOPEN: 0,0", 1); got != 0 {
		t.Errorf("field 1 = %d, want 0", got)
	}
	if got := parseURCField("+QMTCONN: 0,1,2", 2); got != 2 {
		t.Errorf("field 2 = %d, want 2", got)
	}
}

func TestBringUpS6(t *testing.T) {
	fm := newFakeModem()
	defer fm.close()
	fm.script("AT+CEREG?", "+CEREG: 2,1", "OK")
	fm.script("AT+QMTOPEN=0", "OK")
	fm.script("AT+QMTCONN=0", "OK")

	router := NewURCRouter()
	port := NewPort(fm.uartSide(), router)
	done := make(chan struct{})
	defer close(done)
	go port.RunIngress(done)

	// Deliver the async URCs a beat after the command's own "OK", the
	// way a real modem would.
	go func() {
		time.Sleep(50 * time.Millisecond)
		fm.respond("__urc_qmtopen__")
	}()
	fm.script("__urc_qmtopen__", "+QMTOPEN: 0,0")
	go func() {
		time.Sleep(150 * time.Millisecond)
		fm.respond("__urc_qmtconn__")
	}()
	fm.script("__urc_qmtconn__", "+QMTCONN: 0,0,0")

	drv := NewDriver(port, router, Config{
		BrokerHost: "mqtt.example.com",
		BrokerPort: 8883,
		ClientID:   "dev-1",
		User:       "user",
		Pass:       "pass",
		DeviceID:   "dev-1",
	}, Credentials{}, nil)
	drv.cfg.PenPin = func(bool) {}
	drv.SetGNMEAReader(func() (string, string, string, byte, string, byte, error) {
		return "123519.250", "230394", "4807.0380", 'N', "01131.0000", 'E', nil
	})

	start := time.Now()
	reachedPublish := false
	for i := 0; i < 64; i++ {
		s := drv.Step()
		if s == MqttPublish {
			reachedPublish = true
			break
		}
		if s == Error {
			t.Fatalf("driver entered Error state unexpectedly")
		}
	}
	if !reachedPublish {
		t.Fatal("driver never reached MqttPublish")
	}
	if elapsed := time.Since(start); elapsed > 60*time.Second {
		t.Fatalf("bring-up took %v, want <60s", elapsed)
	}
}
