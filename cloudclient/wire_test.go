package cloudclient

import (
	"bytes"
	"testing"
)

func TestBuildAuthBodyWithTenantToken(t *testing.T) {
	body := buildAuthBody([]byte(`{"mac":"aa:bb"}`), []byte("pubkey-bytes"), "tenant-123")
	if !bytes.Contains(body, []byte(`"id_data":{"mac":"aa:bb"}`)) {
		t.Errorf("missing id_data: %s", body)
	}
	if !bytes.Contains(body, []byte(`"tenant_token":"tenant-123"`)) {
		t.Errorf("missing tenant_token: %s", body)
	}
}

func TestBuildAuthBodyWithoutTenantToken(t *testing.T) {
	body := buildAuthBody([]byte(`{"mac":"aa:bb"}`), []byte("pubkey-bytes"), "")
	if bytes.Contains(body, []byte("tenant_token")) {
		t.Errorf("should omit tenant_token when empty: %s", body)
	}
}

func TestParseStatusLine(t *testing.T) {
	cases := map[string]int{
		"HTTP/1.1 200 OK\r\n":         200,
		"HTTP/1.1 204 No Content\r\n": 204,
		"HTTP/1.0 404 Not Found\r\n":  404,
		"garbage":                     0,
	}
	for in, want := range cases {
		if got := parseStatusLine([]byte(in)); got != want {
			t.Errorf("parseStatusLine(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestExtractBody(t *testing.T) {
	resp := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	if got := string(extractBody(resp)); got != "hello" {
		t.Errorf("extractBody = %q, want hello", got)
	}
}

func TestParseDeploymentResponse(t *testing.T) {
	body := []byte(`{"id":"dep-1","artifact":{"artifact_name":"rel-2.0.0","source":{"uri":"https://example/artifact"}},"artifact_name":"rel-2.0.0","uri":"https://example/artifact"}`)
	info, err := parseDeploymentResponse(body)
	if err != nil {
		t.Fatal(err)
	}
	if info.ID != "dep-1" || info.ArtifactName != "rel-2.0.0" || info.URI != "https://example/artifact" {
		t.Errorf("got %+v", info)
	}
}

func TestParseDeploymentResponseMissingFields(t *testing.T) {
	if _, err := parseDeploymentResponse([]byte(`{}`)); err == nil {
		t.Fatal("expected error for empty response")
	}
}

func TestWriteIntBytes(t *testing.T) {
	cases := map[int]string{0: "0", 42: "42", 1024: "1024"}
	for in, want := range cases {
		if got := string(writeIntBytes(in)); got != want {
			t.Errorf("writeIntBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
