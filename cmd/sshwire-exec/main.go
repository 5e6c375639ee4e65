// sshwire-exec runs a command on an SSH server and prints its output.
//
// Usage:
//
//	sshwire-exec [options] command...
//
// Options:
//
//	-addr         server address (default: 127.0.0.1:22)
//	-user         login name
//	-password-env environment variable holding the password (default: SSHWIRE_PASSWORD)
//	-fingerprint  expected SHA256: host key fingerprint
//	-insecure     accept any host key
//	-timeout      handshake timeout (default: 30s)
//	-v            debug logging
//
// The process exits with the remote command's exit status.
//
// Example:
//
//	SSHWIRE_PASSWORD=secret sshwire-exec -addr build.internal:22 -user deploy -insecure uname -a
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/telegraphy/sshwire/examples/common"
	"github.com/telegraphy/sshwire/examples/remotecmd"
)

func main() {
	opts := common.ParseFlags()
	command := strings.Join(flag.Args(), " ")
	if command == "" {
		common.PrintUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	status, err := remotecmd.Run(ctx, opts, command, os.Stdout, os.Stderr)
	if err != nil {
		log.Fatalf("sshwire-exec: %v", err)
	}
	os.Exit(status)
}
