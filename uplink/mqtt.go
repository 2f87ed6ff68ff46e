//go:build tinygo

package uplink

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/telemetry-gateway/config"
	"openenterprise/telemetry-gateway/connmgr"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout = 10 * time.Second
	mqttRetries = 3
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttBufSize = 512
)

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// Publisher drains an Outbox and republishes each frame to the MQTT
// broker over the Wi-Fi stack, only while connmgr reports WiFi active.
// Directly adapted from the teacher's fetchScheduleViaMQTT dial/connect
// sequence (mqtt.go), swapping the request/response exchange for a
// fire-and-forget frame publish loop.
type Publisher struct {
	stack      *xnet.StackAsync
	brokerAddr netip.AddrPort
	topic      []byte
	log        *slog.Logger

	tcpRxBuf [tcpBufSize]byte
	tcpTxBuf [tcpBufSize]byte
	userBuf  [mqttBufSize]byte
}

// NewPublisher constructs a Publisher bound to stack, dialing brokerAddr
// and publishing each frame under channels/<client_id>/messages/client/can.
func NewPublisher(stack *xnet.StackAsync, brokerAddr netip.AddrPort, log *slog.Logger) *Publisher {
	topic := append([]byte("channels/"), config.ClientID()...)
	topic = append(topic, "/messages/client/can"...)
	return &Publisher{stack: stack, brokerAddr: brokerAddr, topic: topic, log: log}
}

// Run drains outbox and publishes frames while status reports WiFi as
// the active transport; it returns when done is closed.
func (p *Publisher) Run(outbox *Outbox, status <-chan connmgr.Status, done <-chan struct{}) {
	active := connmgr.None
	var client *mqtt.Client
	var conn tcp.Conn

	for {
		select {
		case <-done:
			if client != nil {
				client.Disconnect(errors.New("shutting down"))
			}
			return
		case s := <-status:
			active = s.Active
			if active != connmgr.WiFi && client != nil {
				client.Disconnect(errors.New("transport switched away from wifi"))
				client = nil
			}
		case f := <-outbox.Drain():
			if active != connmgr.WiFi {
				continue
			}
			if client == nil {
				c, cn, err := p.connect()
				if err != nil {
					p.log.Warn("uplink:connect-failed", slog.String("err", err.Error()))
					continue
				}
				client, conn = c, cn
			}
			if err := p.publish(client, &conn, f); err != nil {
				p.log.Warn("uplink:publish-failed", slog.String("err", err.Error()))
				client.Disconnect(err)
				client = nil
			}
		}
	}
}

func (p *Publisher) connect() (*mqtt.Client, tcp.Conn, error) {
	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             p.tcpRxBuf[:],
		TxBuf:             p.tcpTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return nil, conn, err
	}

	cfg := mqtt.ClientConfig{Decoder: mqtt.DecoderNoAlloc{UserBuffer: p.userBuf[:]}}
	client := mqtt.NewClient(cfg)

	var varconn mqtt.VariablesConnect
	clientID := append([]byte(config.ClientID()), '-', 'c', 'a', 'n')
	varconn.SetDefaultMQTT(clientID)

	rstack := p.stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(p.stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, p.brokerAddr, mqttTimeout, mqttRetries); err != nil {
		return nil, conn, err
	}
	conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		return nil, conn, err
	}
	for retries := 50; retries > 0 && !client.IsConnected(); retries-- {
		time.Sleep(100 * time.Millisecond)
		client.HandleNext()
	}
	if !client.IsConnected() {
		return nil, conn, errors.New("mqtt connect timeout")
	}
	return client, conn, nil
}

func (p *Publisher) publish(client *mqtt.Client, conn *tcp.Conn, f Frame) error {
	conn.SetDeadline(time.Now().Add(mqttTimeout))
	payload := encodeFrame(f)
	varPub := mqtt.VariablesPublish{
		TopicName:        p.topic,
		PacketIdentifier: uint16(p.stack.Prand32()),
	}
	return client.PublishPayload(pubFlags, varPub, payload)
}

// encodeFrame serializes a Frame as {id u32 LE}{len u8}{data[8]}, kept
// compact for the modem/Wi-Fi link budget rather than JSON.
func encodeFrame(f Frame) []byte {
	buf := make([]byte, 13)
	binary.LittleEndian.PutUint32(buf[0:4], f.ID)
	buf[4] = f.Len
	copy(buf[5:], f.Data[:])
	return buf
}
