package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"openenterprise/telemetry-gateway/artifact"
)

const (
	defaultPort    = "23"
	otaPort        = "4242"
	defaultTimeout = 10 * time.Second
	readTimeout    = 5 * time.Second
	pushChunkSize  = 4096
)

func main() {
	// Load .env file before parsing flags
	loadEnvFile()

	// Parse flags
	host := flag.String("host", "", "Device IP address (required)")
	port := flag.String("port", defaultPort, "Device port")
	cmd := flag.String("cmd", "", "Single command to execute (interactive mode if empty)")
	password := flag.String("password", "", "Console password (or use GATEWAY_PASSWORD env var)")
	flag.Parse()

	if *host == "" {
		if flag.NArg() > 0 {
			*host = flag.Arg(0)
		} else {
			printUsage()
			os.Exit(1)
		}
	}

	if *cmd == "" && flag.NArg() > 1 {
		*cmd = flag.Arg(1)
	}

	pass := getPassword(*password)

	if *cmd == "artifact-push" || (flag.NArg() > 1 && flag.Arg(1) == "artifact-push") {
		var path string
		if flag.NArg() > 2 {
			path = flag.Arg(2)
		} else {
			fmt.Println("Usage: gateway-cli <ip> artifact-push <file.mender>")
			os.Exit(1)
		}
		if err := artifactPush(*host, path, pass); err != nil {
			fmt.Fprintf(os.Stderr, "Artifact push failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *cmd == "ota-info" || (flag.NArg() > 1 && flag.Arg(1) == "ota-info") {
		if err := otaInfo(*host, pass); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *cmd == "ota-enable" || (flag.NArg() > 1 && flag.Arg(1) == "ota-enable") {
		var timeout string
		if flag.NArg() > 2 {
			timeout = flag.Arg(2)
		}
		if err := otaEnable(*host, timeout, pass); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// artifact-inspect doesn't need a host, just inspect the file
	if *cmd == "artifact-inspect" || (flag.NArg() > 0 && flag.Arg(0) == "artifact-inspect") {
		var path string
		if flag.NArg() > 1 {
			path = flag.Arg(1)
		} else if flag.NArg() > 0 && flag.Arg(0) != "artifact-inspect" {
			path = flag.Arg(0)
		} else {
			fmt.Println("Usage: gateway-cli artifact-inspect <file.mender>")
			os.Exit(1)
		}
		if err := inspectArtifact(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	addr := net.JoinHostPort(*host, *port)

	if *cmd != "" {
		if err := runCommand(addr, *cmd, pass); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		if err := interactive(addr, pass); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func printUsage() {
	fmt.Println("Gateway CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  gateway-cli <ip> [command]")
	fmt.Println("  gateway-cli -host <ip> [-cmd <command>] [-password <pw>]")
	fmt.Println()
	fmt.Println("Authentication:")
	fmt.Println("  Password can be provided via:")
	fmt.Println("    -password flag")
	fmt.Println("    GATEWAY_PASSWORD environment variable")
	fmt.Println("    .env file (GATEWAY_PASSWORD=...)")
	fmt.Println("    Interactive prompt")
	fmt.Println()
	fmt.Println("Console Commands:")
	fmt.Println("  help, version, status, net, wifi, time, conn, modem, can")
	fmt.Println("  deploy, sleep <dur>, ota, ota-enable [dur], ntp, ntp-sync, reboot")
	fmt.Println()
	fmt.Println("Artifact Commands:")
	fmt.Println("  ota-info                        Query device OTA status")
	fmt.Println("  ota-enable [dur]                Enable artifact push server (default: 10m)")
	fmt.Println("  artifact-push <file.mender>      Push an artifact (auto-enables push server)")
	fmt.Println("  artifact-inspect <file.mender>   Inspect an artifact file (no device needed)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  gateway-cli 172.18.1.136                      # Interactive mode")
	fmt.Println("  gateway-cli 172.18.1.136 status               # Single command")
	fmt.Println("  gateway-cli -password secret 172.18.1.136 status")
	fmt.Println("  GATEWAY_PASSWORD=secret gateway-cli 172.18.1.136 status")
	fmt.Println("  gateway-cli artifact-inspect release.mender   # Inspect file")
}

// runCommand executes a single command and prints the response
func runCommand(addr, cmd, password string) error {
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}
	consumeUntilPrompt(conn)

	_, err = conn.Write([]byte(cmd + "\r\n"))
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 4096)
	n, _ := conn.Read(response)

	output := string(response[:n])
	output = strings.TrimSuffix(output, "> ")
	output = strings.TrimSpace(output)
	fmt.Println(output)

	return nil
}

// interactive runs an interactive session with the device
func interactive(addr, password string) error {
	fmt.Printf("Connecting to %s...\n", addr)

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}

	fmt.Println("Connected! Type 'quit' or Ctrl+C to exit.")
	fmt.Println()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	welcome := make([]byte, 1024)
	n, _ := conn.Read(welcome)
	fmt.Print(string(welcome[:n]))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if input == "quit" || input == "exit" {
			fmt.Println("Goodbye!")
			return nil
		}

		_, err = conn.Write([]byte(input + "\r\n"))
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		response := make([]byte, 4096)
		n, err := conn.Read(response)
		if err != nil {
			fmt.Println("Connection lost, reconnecting...")
			conn.Close()
			conn, err = net.DialTimeout("tcp", addr, defaultTimeout)
			if err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			if err := authenticate(conn, password); err != nil {
				return fmt.Errorf("reconnect auth failed: %w", err)
			}
			consumeUntilPrompt(conn)
			continue
		}

		output := string(response[:n])
		output = strings.TrimSuffix(output, "> ")
		output = strings.TrimSpace(output)
		if output != "" {
			fmt.Println(output)
		}
	}

	return nil
}

// otaInfo displays OTA status by querying the device console
func otaInfo(host, password string) error {
	addr := net.JoinHostPort(host, defaultPort)

	fmt.Println("Querying device OTA status...")
	fmt.Println()

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}
	consumeUntilPrompt(conn)

	conn.Write([]byte("ota\r\n"))

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 4096)
	n, _ := conn.Read(response)

	output := string(response[:n])
	output = strings.TrimSuffix(output, "> ")
	output = strings.TrimSpace(output)
	fmt.Println(output)

	return nil
}

// otaEnable enables the artifact push server on the device via console command
func otaEnable(host, timeout, password string) error {
	addr := net.JoinHostPort(host, defaultPort)

	fmt.Println("Enabling artifact push server...")

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect to console failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}
	consumeUntilPrompt(conn)

	cmd := "ota-enable"
	if timeout != "" {
		cmd = cmd + " " + timeout
	}
	conn.Write([]byte(cmd + "\r\n"))

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 1024)
	n, err := conn.Read(response)
	if err != nil {
		return fmt.Errorf("no response: %w", err)
	}

	output := string(response[:n])
	output = strings.TrimSuffix(output, "> ")
	output = strings.TrimSpace(output)

	if !strings.Contains(output, "enabled") && !strings.Contains(output, "ENABLED") {
		if strings.Contains(output, "Unknown command") {
			return fmt.Errorf("device has old firmware without ota-enable support")
		}
		return fmt.Errorf("unexpected response: %s", output)
	}

	fmt.Println(output)
	return nil
}

// artifactPush streams a Mender artifact file to the device's push
// server. Unlike the raw-binary push this replaces, the artifact
// carries its own per-payload checksum, so the client no longer needs
// to precompute and declare a hash up front.
func artifactPush(host, path, password string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}

	fmt.Printf("Artifact: %s\n", path)
	fmt.Printf("Size:     %d bytes (%d KB)\n", len(data), len(data)/1024)
	fmt.Println()

	if err := otaEnable(host, "", password); err != nil {
		if strings.Contains(err.Error(), "old firmware") {
			fmt.Println("Note: Device has old firmware, push port may be always open")
			fmt.Println()
		} else {
			return fmt.Errorf("enable push server: %w", err)
		}
	} else {
		fmt.Println()
		time.Sleep(500 * time.Millisecond)
	}

	addr := net.JoinHostPort(host, otaPort)
	fmt.Printf("Connecting to %s...\n", addr)

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect to push server failed: %w", err)
	}
	defer conn.Close()

	fmt.Println("Connected to artifact push server")

	conn.Write([]byte("OTA\n"))

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 256)
	n, err := conn.Read(response)
	if err != nil {
		return fmt.Errorf("no response from device: %w", err)
	}

	resp := strings.TrimSpace(string(response[:n]))
	if !strings.HasPrefix(resp, "READY") {
		return fmt.Errorf("unexpected response: %s", resp)
	}
	fmt.Printf("Device ready: %s\n", resp)

	totalChunks := (len(data) + pushChunkSize - 1) / pushChunkSize
	fmt.Printf("Sending %d chunks...\n", totalChunks)

	for i := 0; i < len(data); i += pushChunkSize {
		end := i + pushChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[i:end]

		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(chunk)))
		conn.Write(lenBuf)
		conn.Write(chunk)

		// Allow extra time: flash erase can take 400ms+ per sector.
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := conn.Read(response)
		if err != nil {
			return fmt.Errorf("chunk %d: no ACK: %w", i/pushChunkSize+1, err)
		}

		resp := strings.TrimSpace(string(response[:n]))
		if !strings.HasPrefix(resp, "ACK") {
			return fmt.Errorf("chunk %d: bad response: %s", i/pushChunkSize+1, resp)
		}

		progress := (i + len(chunk)) * 100 / len(data)
		fmt.Printf("\r[%3d%%] Chunk %d/%d", progress, i/pushChunkSize+1, totalChunks)
	}
	fmt.Println()

	fmt.Println("Finalizing...")
	conn.Write([]byte("DONE\n"))

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err = conn.Read(response)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	resp = strings.TrimSpace(string(response[:n]))
	if resp != "VERIFIED" {
		return fmt.Errorf("verification failed: %s", resp)
	}

	fmt.Println("Artifact verified!")
	fmt.Println("Device will reboot into the updated slot...")

	return nil
}

// loadEnvFile loads environment variables from .env file in current directory
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}

	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// getPassword resolves password from various sources
// Priority: flag > env > .env (already loaded) > interactive prompt
func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if envPass := os.Getenv("GATEWAY_PASSWORD"); envPass != "" {
		return envPass
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil && len(password) > 0 {
			return string(password)
		}
	}

	return ""
}

// authenticate handles the password authentication after connecting
func authenticate(conn net.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	prompt := make([]byte, 64)
	n, err := conn.Read(prompt)
	if err != nil {
		return fmt.Errorf("read prompt failed: %w", err)
	}

	promptStr := string(stripTelnetIAC(prompt[:n]))
	if !strings.Contains(strings.ToLower(promptStr), "password") {
		return fmt.Errorf("unexpected prompt: %s", promptStr)
	}

	_, err = conn.Write([]byte(password + "\r\n"))
	if err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}

	return nil
}

// stripTelnetIAC removes telnet IAC (Interpret As Command) sequences from data.
// IAC = 0xFF, followed by command byte and possibly option byte.
func stripTelnetIAC(data []byte) []byte {
	result := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0xFF && i+1 < len(data) {
			cmd := data[i+1]
			if cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
		} else {
			result = append(result, data[i])
			i++
		}
	}
	return result
}

// consumeUntilPrompt reads from connection until we see "> " prompt or timeout.
func consumeUntilPrompt(conn net.Conn) {
	buf := make([]byte, 256)
	accumulated := ""
	deadline := time.Now().Add(readTimeout)

	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			accumulated += string(stripTelnetIAC(buf[:n]))
			if strings.Contains(accumulated, "> ") {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// inspectArtifact reads a Mender artifact file from disk and prints its
// payload metadata without needing a device connection.
func inspectArtifact(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	fmt.Printf("Artifact: %s\n", path)
	fmt.Printf("  File size: %d bytes (%d KB)\n", len(data), len(data)/1024)

	parser := artifact.New()
	payloadCount := 0
	var totalDataBytes uint64

	err = parser.Process(data, func(ev artifact.Event) error {
		switch ev.Kind {
		case artifact.EventBegin:
			payloadCount++
			fmt.Printf("  Payload %d:\n", payloadCount)
			fmt.Printf("    Type: %s\n", ev.Type)
			fmt.Printf("    Size: %d bytes\n", ev.Size)
			fmt.Printf("    Hash: %s\n", ev.ExpectedHashHex)
			if len(ev.MetaData) > 0 {
				var pretty map[string]any
				if jsonErr := json.Unmarshal(ev.MetaData, &pretty); jsonErr == nil {
					fmt.Printf("    Meta: %v\n", pretty)
				}
			}
		case artifact.EventDataChunk:
			totalDataBytes += uint64(len(ev.Data))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("parse artifact: %w", err)
	}

	if payloadCount == 0 {
		return fmt.Errorf("no payloads found (not a valid artifact?)")
	}

	fmt.Printf("  Payloads parsed: %d (%d bytes of data seen)\n", payloadCount, totalDataBytes)
	return nil
}
