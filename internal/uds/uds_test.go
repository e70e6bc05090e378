package uds

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	// Use /tmp directly to avoid the Unix socket path length limit
	dir, err := os.MkdirTemp("/tmp", "sphered-uds-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	sockPath := filepath.Join(dir, "t.sock")

	server := NewServer(sockPath)
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)

	return server, client
}

func TestServer_PingRoundTrip(t *testing.T) {
	server, client := setupTestServer(t)

	server.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("ping", nil)
	if err != nil {
		t.Fatalf("send ping: %v", err)
	}
	if !resp.Success {
		t.Fatalf("ping failed: %+v", resp.Error)
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["status"] != "ok" {
		t.Errorf("status: got %q, want ok", data["status"])
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("bogus", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success {
		t.Fatal("unknown command should not succeed")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("expected %s, got %+v", ErrCodeUnknownCommand, resp.Error)
	}
}

func TestServer_ProtocolMismatch(t *testing.T) {
	server, client := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: "ping"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success {
		t.Fatal("mismatched protocol should not succeed")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected %s, got %+v", ErrCodeProtocolMismatch, resp.Error)
	}
}

func TestServer_HandlerParams(t *testing.T) {
	server, client := setupTestServer(t)

	type scanParams struct {
		Reason string `json:"reason"`
	}

	server.Handle("scan", func(req *Request) *Response {
		var p scanParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(map[string]string{"reason": p.Reason})
	})

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("scan", scanParams{Reason: "operator"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success {
		t.Fatalf("scan failed: %+v", resp.Error)
	}
	if !strings.Contains(string(resp.Data), "operator") {
		t.Errorf("params not echoed: %s", resp.Data)
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	client.SetTimeout(500 * time.Millisecond)

	_, err := client.SendCommand("ping", nil)
	if err == nil {
		t.Fatal("expected connection error when no daemon is listening")
	}
	if !strings.Contains(err.Error(), "Is the daemon running?") {
		t.Errorf("error should hint at starting the daemon, got: %v", err)
	}
}
