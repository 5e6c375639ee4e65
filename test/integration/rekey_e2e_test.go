// Package integration contains integration tests for the sshwire client.
//
// This file (rekey_e2e_test.go) covers key re-exchange from either side
// and delayed compression. For the handshake and transport tests, see
// handshake_e2e_test.go. For channel tests, see channel_e2e_test.go.
package integration

import (
	"bytes"
	"io"
	"testing"

	"github.com/telegraphy/sshwire/pkg/algorithms"
)

// TestE2E_ClientForcedRekey rekeys mid-stream from the client side and
// checks data keeps flowing and the session id survives.
func TestE2E_ClientForcedRekey(t *testing.T) {
	pair := NewTestPair(t)
	defer pair.Close()

	ctx, cancel := testContext(t)
	defer cancel()
	ch, err := pair.Client.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	sessionID := append([]byte(nil), pair.Client.SessionID()...)

	echo := func(msg string) {
		t.Helper()
		if _, err := ch.Write([]byte(msg)); err != nil {
			t.Fatalf("Write(%q) failed: %v", msg, err)
		}
		got := make([]byte, len(msg))
		if _, err := io.ReadFull(ch, got); err != nil {
			t.Fatalf("reading echo of %q failed: %v", msg, err)
		}
		if string(got) != msg {
			t.Fatalf("echo mismatch: sent %q, got %q", msg, got)
		}
	}

	echo("before rekey")
	if err := pair.Client.ForceRekey(); err != nil {
		t.Fatalf("ForceRekey failed: %v", err)
	}
	// This write parks on the kex gate until the new keys install.
	echo("during rekey")
	waitCondition(t, "second key exchange", func() bool {
		return pair.Server.KexCount() == 2
	})
	echo("after rekey")

	if !bytes.Equal(pair.Client.SessionID(), sessionID) {
		t.Error("session id changed across rekey")
	}
	if !bytes.Equal(pair.Server.SessionID(), sessionID) {
		t.Error("server session id diverged across rekey")
	}
	if err := pair.Client.Err(); err != nil {
		t.Errorf("connection unhealthy after rekey: %v", err)
	}
}

// TestE2E_ServerTriggeredRekey lets the server open the re-exchange and
// checks the client answers and traffic continues.
func TestE2E_ServerTriggeredRekey(t *testing.T) {
	pair := NewTestPair(t)
	defer pair.Close()

	ctx, cancel := testContext(t)
	defer cancel()
	ch, err := pair.Client.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	sessionID := append([]byte(nil), pair.Client.SessionID()...)

	if err := pair.Server.TriggerRekey(); err != nil {
		t.Fatalf("TriggerRekey failed: %v", err)
	}
	waitCondition(t, "second key exchange", func() bool {
		return pair.Server.KexCount() == 2
	})

	msg := []byte("still here")
	if _, err := ch.Write(msg); err != nil {
		t.Fatalf("Write after rekey failed: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(ch, got); err != nil {
		t.Fatalf("echo read after rekey failed: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo = %q, want %q", got, msg)
	}
	if !bytes.Equal(pair.Client.SessionID(), sessionID) {
		t.Error("session id changed across rekey")
	}
}

// TestE2E_RepeatedRekeys runs several consecutive re-exchanges to check
// nothing leaks state from one exchange into the next.
func TestE2E_RepeatedRekeys(t *testing.T) {
	pair := NewTestPair(t)
	defer pair.Close()

	ctx, cancel := testContext(t)
	defer cancel()
	ch, err := pair.Client.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	for round := 2; round <= 4; round++ {
		if err := pair.Client.ForceRekey(); err != nil {
			t.Fatalf("ForceRekey %d failed: %v", round, err)
		}
		waitCondition(t, "key exchange", func() bool {
			return pair.Server.KexCount() == round
		})
		msg := []byte{byte(round)}
		if _, err := ch.Write(msg); err != nil {
			t.Fatalf("Write after rekey %d failed: %v", round, err)
		}
		got := make([]byte, 1)
		if _, err := io.ReadFull(ch, got); err != nil {
			t.Fatalf("echo read after rekey %d failed: %v", round, err)
		}
		if got[0] != byte(round) {
			t.Fatalf("echo after rekey %d = %d", round, got[0])
		}
	}
}

// TestE2E_DelayedCompression negotiates zlib@openssh.com, which stays
// dormant until authentication succeeds, and checks compressed traffic
// round-trips and survives a rekey.
func TestE2E_DelayedCompression(t *testing.T) {
	config := DefaultTestPairConfig()
	prefs := algorithms.DefaultPreferences()
	prefs.Compression = algorithms.PreferCompression()
	config.Client.Preferences = &prefs
	pair := NewTestPairWithConfig(t, config)
	defer pair.Close()

	neg := pair.Client.Negotiated()
	if neg.CompressionClientServer != "zlib@openssh.com" {
		t.Fatalf("client-to-server compression = %q, want zlib@openssh.com", neg.CompressionClientServer)
	}
	if neg.CompressionServerClient != "zlib@openssh.com" {
		t.Fatalf("server-to-client compression = %q, want zlib@openssh.com", neg.CompressionServerClient)
	}
	srvNeg := pair.Server.Negotiated()
	if srvNeg.CompressionClientServer != "zlib@openssh.com" || srvNeg.CompressionServerClient != "zlib@openssh.com" {
		t.Fatalf("server negotiated %q/%q", srvNeg.CompressionClientServer, srvNeg.CompressionServerClient)
	}

	ctx, cancel := testContext(t)
	defer cancel()
	ch, err := pair.Client.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	// Highly repetitive data, the kind compression actually touches.
	payload := bytes.Repeat([]byte("all work and no play makes a dull protocol "), 1024)
	roundTrip := func() {
		t.Helper()
		if _, err := ch.Write(payload); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		got := make([]byte, len(payload))
		if _, err := io.ReadFull(ch, got); err != nil {
			t.Fatalf("echo read failed: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatal("compressed echo does not match payload")
		}
	}

	roundTrip()
	if err := pair.Client.ForceRekey(); err != nil {
		t.Fatalf("ForceRekey failed: %v", err)
	}
	waitCondition(t, "second key exchange", func() bool {
		return pair.Server.KexCount() == 2
	})
	roundTrip()
}
