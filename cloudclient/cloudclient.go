//go:build tinygo

package cloudclient

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	httpTimeout = 10 * time.Second
	maxRetries  = 2
	tcpBufSize  = 2030
	respBufSize = 4096
)

// Client holds the stack, server address, and current JWT.
type Client struct {
	stack      *xnet.StackAsync
	serverAddr netip.AddrPort
	host       string

	token string

	txBuf   [tcpBufSize]byte
	rxBuf   [tcpBufSize]byte
	respBuf [respBufSize]byte
}

// New constructs a Client dialing serverAddr (resolved host:port of the
// Mender management server) over stack.
func New(stack *xnet.StackAsync, serverAddr netip.AddrPort, host string) *Client {
	return &Client{stack: stack, serverAddr: serverAddr, host: host}
}

// Authenticate signs an auth_requests body with the device private key
// and exchanges it for a bearer JWT, per spec.md §6.
func (c *Client) Authenticate(idData, pubkey []byte, tenantToken string, privKeyDER []byte) error {
	body := buildAuthBody(idData, pubkey, tenantToken)

	key, err := x509.ParsePKCS8PrivateKey(privKeyDER)
	if err != nil {
		return errors.Wrap(err, "parse device private key")
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return errors.New("device key is not RSA")
	}
	sum := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, rsaKey, crypto.SHA256, sum[:])
	if err != nil {
		return errors.Wrap(err, "sign auth request")
	}
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	status, respBody, err := c.do("POST", "/api/devices/v1/authentication/auth_requests", body, map[string]string{
		"X-MEN-Signature": sigB64,
		"Content-Type":    "application/json",
	})
	if err != nil {
		return err
	}
	if status != 200 {
		return errors.Errorf("auth failed: status %d", status)
	}
	c.token = string(respBody)
	return nil
}

// NextDeployment polls for a pending deployment. ok is false on a 204
// (nothing pending).
func (c *Client) NextDeployment(artifactName, deviceType string) (info DeploymentInfo, ok bool, err error) {
	path := "/api/devices/v1/deployments/device/deployments/next?artifact_name=" + artifactName + "&device_type=" + deviceType
	status, body, err := c.do("GET", path, nil, c.authHeaders())
	if err != nil {
		return DeploymentInfo{}, false, err
	}
	if status == 204 {
		return DeploymentInfo{}, false, nil
	}
	if status != 200 {
		return DeploymentInfo{}, false, errors.Errorf("deployment poll: status %d", status)
	}
	info, err = parseDeploymentResponse(body)
	if err != nil {
		return DeploymentInfo{}, false, err
	}
	return info, true, nil
}

// PublishStatus reports deployment progress back to the server.
func (c *Client) PublishStatus(deploymentID, status string) error {
	path := "/api/devices/v1/deployments/device/deployments/" + deploymentID + "/status"
	body := []byte(`{"status":"` + status + `"}`)
	respStatus, _, err := c.do("PUT", path, body, c.authHeaders())
	if err != nil {
		return err
	}
	if respStatus/100 != 2 {
		return errors.Errorf("publish status: http %d", respStatus)
	}
	return nil
}

// PublishInventory reports device attributes as [{name,value},...] JSON.
func (c *Client) PublishInventory(attrsJSON []byte) error {
	respStatus, _, err := c.do("PUT", "/api/devices/v1/inventory/device/attributes", attrsJSON, c.authHeaders())
	if err != nil {
		return err
	}
	if respStatus/100 != 2 {
		return errors.Errorf("publish inventory: http %d", respStatus)
	}
	return nil
}

// GetDeviceConfig fetches the device's configuration blob.
func (c *Client) GetDeviceConfig() ([]byte, error) {
	status, body, err := c.do("GET", "/api/devices/v1/deviceconfig/configuration", nil, c.authHeaders())
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, errors.Errorf("get device config: http %d", status)
	}
	return body, nil
}

// PutDeviceConfig stores a new device configuration blob.
func (c *Client) PutDeviceConfig(cfgJSON []byte) error {
	status, _, err := c.do("PUT", "/api/devices/v1/deviceconfig/configuration", cfgJSON, c.authHeaders())
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return errors.Errorf("put device config: http %d", status)
	}
	return nil
}

func (c *Client) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.token}
}

// do issues a manual plain HTTP/1.1 request over a fresh TCP connection
// opened for that one request. No TLS is performed: the request and the
// response travel unencrypted.
func (c *Client) do(method, path string, body []byte, headers map[string]string) (status int, respBody []byte, err error) {
	var conn tcp.Conn
	if cfgErr := conn.Configure(tcp.ConnConfig{
		RxBuf:             c.rxBuf[:],
		TxBuf:             c.txBuf[:],
		TxPacketQueueSize: 3,
	}); cfgErr != nil {
		return 0, nil, errors.Wrap(cfgErr, "configure connection")
	}

	rstack := c.stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(c.stack.Prand32()>>17) + 1024
	if dialErr := rstack.DoDialTCP(&conn, lport, c.serverAddr, httpTimeout, maxRetries); dialErr != nil {
		return 0, nil, errors.Wrap(ErrNetwork, dialErr.Error())
	}
	defer func() {
		conn.Close()
		for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		c.stack.DiscardResolveHardwareAddress6(c.serverAddr.Addr())
	}()

	conn.SetDeadline(time.Now().Add(httpTimeout))
	conn.Write([]byte(method))
	conn.Write([]byte(" "))
	conn.Write([]byte(path))
	conn.Write([]byte(" HTTP/1.1\r\nHost: "))
	conn.Write([]byte(c.host))
	conn.Write([]byte("\r\nContent-Length: "))
	conn.Write(writeIntBytes(len(body)))
	conn.Write([]byte("\r\nConnection: close\r\n"))
	for k, v := range headers {
		conn.Write([]byte(k))
		conn.Write([]byte(": "))
		conn.Write([]byte(v))
		conn.Write([]byte("\r\n"))
	}
	conn.Write([]byte("\r\n"))
	if len(body) > 0 {
		conn.Write(body)
	}
	conn.Flush()
	time.Sleep(50 * time.Millisecond)

	n, _ := conn.Read(c.respBuf[:])
	if n < 12 {
		return 0, nil, errors.Wrap(ErrNetwork, "short response")
	}
	status = parseStatusLine(c.respBuf[:n])
	respBody = extractBody(c.respBuf[:n])
	return status, respBody, nil
}
