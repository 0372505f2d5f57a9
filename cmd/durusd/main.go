// Command durusd runs a Durus storage server over a single shelf file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/nascheme/durus"
)

func main() {
	var (
		host    = pflag.String("host", durus.DefaultHost, "address to listen on")
		port    = pflag.Int("port", durus.DefaultPort, "port to listen on")
		unix    = pflag.String("unix", "", "unix domain socket path (overrides host/port if set)")
		gcbytes = pflag.Int64("gcbytes", 0, "bytes committed between automatic incremental packs (0 disables)")
	)
	pflag.Parse()

	args := pflag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: durusd [flags] <shelf-file>")
		os.Exit(2)
	}

	storage, err := durus.OpenShelfStorage(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "durusd:", err)
		os.Exit(1)
	}

	var addr durus.SocketAddress
	if *unix != "" {
		addr = durus.NewUnixSocket(*unix)
	} else {
		addr = durus.NewHostPort(*host, *port)
	}

	srv := durus.NewStorageServer(storage, *gcbytes)
	durus.Logf(durus.LevelInfo, "durusd: listening on %s", addr)
	if err := srv.Serve(addr); err != nil {
		fmt.Fprintln(os.Stderr, "durusd:", err)
		os.Exit(1)
	}
}
