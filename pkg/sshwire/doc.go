// Package sshwire provides a high-level API for SSH2 client connections.
//
// This package is the top-level facade that ties the lower-level protocol
// components (transport packet codec, key exchange engine, user
// authentication, channel multiplexer) into an ergonomic, idiomatic Go API.
//
// # Connecting
//
// Dial a server, verify its host key and authenticate in one call:
//
//	client, err := sshwire.Dial(ctx, "tcp", "build.internal:22", sshwire.Config{
//	    User:            "deploy",
//	    Password:        func() (string, error) { return password, nil },
//	    HostKeyVerifier: verifier,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
// # Channels
//
// Sessions and forwarded connections are flow-controlled byte streams:
//
//	ch, err := client.OpenExec(ctx, "uname -a")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	io.Copy(os.Stdout, ch)
//	if status, ok := ch.ExitStatus(); ok {
//	    fmt.Println("exit status", status)
//	}
//
// # Host keys
//
// The HostKeyVerifier decides whether a server key is trusted before the
// connection is used. Production callers check a known-hosts store;
// sshwire.InsecureIgnoreHostKey is for tooling and tests only.
//
// See the examples/ directory for complete working examples.
package sshwire
