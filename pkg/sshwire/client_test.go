package sshwire

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/telegraphy/sshwire/pkg/transport"
)

func TestConfigValidation(t *testing.T) {
	config := Config{}
	if err := config.Validate(); !errors.Is(err, ErrNoHostKeyVerifier) {
		t.Fatalf("expected ErrNoHostKeyVerifier, got %v", err)
	}

	config.HostKeyVerifier = InsecureIgnoreHostKey()
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	config.applyDefaults()
	if config.ClientVersion != DefaultClientVersion {
		t.Errorf("expected default client version, got %q", config.ClientVersion)
	}

	config.ClientVersion = "SSH-2.0-custom"
	config.applyDefaults()
	if config.ClientVersion != "SSH-2.0-custom" {
		t.Errorf("applyDefaults overwrote the client version: %q", config.ClientVersion)
	}
}

func TestHostKeyVerifierFunc(t *testing.T) {
	var gotHost string
	var gotPort int
	var gotAlgorithm string

	verifier := HostKeyVerifierFunc(func(hostname string, port int, algorithm string, blob []byte) error {
		gotHost = hostname
		gotPort = port
		gotAlgorithm = algorithm
		return nil
	})

	if err := verifier.Verify("build.internal", 22, "ssh-ed25519", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if gotHost != "build.internal" || gotPort != 22 || gotAlgorithm != "ssh-ed25519" {
		t.Errorf("verifier saw %q:%d %q", gotHost, gotPort, gotAlgorithm)
	}

	if err := InsecureIgnoreHostKey().Verify("any", 1, "any", nil); err != nil {
		t.Errorf("InsecureIgnoreHostKey rejected a key: %v", err)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		address string
		host    string
		port    int
	}{
		{"build.internal:22", "build.internal", 22},
		{"[2001:db8::7]:2022", "2001:db8::7", 2022},
		{"pipe", "pipe", 0},
		{"127.0.0.1:2200", "127.0.0.1", 2200},
	}
	for _, tt := range tests {
		host, port := splitAddress(tt.address)
		if host != tt.host || port != tt.port {
			t.Errorf("splitAddress(%q) = %q, %d; want %q, %d",
				tt.address, host, port, tt.host, tt.port)
		}
	}
}

func TestConnectRejectsNilConn(t *testing.T) {
	if _, err := Connect(context.Background(), nil, TestConfig()); !errors.Is(err, ErrNoConn) {
		t.Fatalf("expected ErrNoConn, got %v", err)
	}
}

func TestConnectRejectsBadConfig(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()

	if _, err := Connect(context.Background(), clientEnd, Config{}); !errors.Is(err, ErrNoHostKeyVerifier) {
		t.Fatalf("expected ErrNoHostKeyVerifier, got %v", err)
	}

	// Connect owns the conn even on a config error.
	serverEnd.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := serverEnd.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the client end to be closed")
	}
}

func TestConnectFailsWhenServerHangsUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := ConnectPipe(ctx, TestConfig(), func(nc net.Conn) {
		br := bufio.NewReader(nc)
		if _, err := br.ReadString('\n'); err != nil {
			return
		}
		nc.Write([]byte("SSH-2.0-stub\r\n"))
		nc.Close()
	})
	if err == nil {
		client.Close()
		t.Fatal("expected Connect to fail when the server hangs up")
	}
}

func TestConnectRejectsGarbageVersion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := ConnectPipe(ctx, TestConfig(), func(nc net.Conn) {
		defer nc.Close()
		br := bufio.NewReader(nc)
		if _, err := br.ReadString('\n'); err != nil {
			return
		}
		nc.Write([]byte("SSH-1.5-ancient\r\n"))
	})
	if err == nil {
		client.Close()
		t.Fatal("expected Connect to reject a protocol 1 server")
	}
	if !errors.Is(err, transport.ErrVersionExchange) {
		t.Errorf("unexpected error: %v", err)
	}
}
