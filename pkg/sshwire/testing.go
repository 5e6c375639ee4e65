package sshwire

import (
	"context"
	"net"
)

// ConnectPipe runs the client handshake over an in-memory pipe against a
// caller-supplied server. This is useful for testing without a real
// network.
//
// Example:
//
//	client, err := sshwire.ConnectPipe(ctx, sshwire.TestConfig(), func(nc net.Conn) {
//	    defer nc.Close()
//	    serveScriptedHandshake(nc)
//	})
//
// serve runs on its own goroutine and owns the server end of the pipe.
func ConnectPipe(ctx context.Context, config Config, serve func(net.Conn)) (*Client, error) {
	clientEnd, serverEnd := net.Pipe()
	go serve(serverEnd)
	return Connect(ctx, clientEnd, config)
}

// TestConfig returns a Config suitable for tests: every host key is
// accepted and no user is configured.
func TestConfig() Config {
	return Config{
		HostKeyVerifier: InsecureIgnoreHostKey(),
	}
}
