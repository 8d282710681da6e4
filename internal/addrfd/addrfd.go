// Package addrfd lets the daemon report a listening address back to
// whatever process spawned it (a test harness or a supervisor that passed
// --metrics_addr=127.0.0.1:0 and needs to learn the port the OS picked),
// by writing it to an inherited file descriptor.
package addrfd

import (
	"log"
	"os"

	flag "github.com/spf13/pflag"
)

var fd = flag.Int("addrfd", -1, "file descriptor on which to print the daemon's picked listen address")

// MustWrite communicates listening address addr to the parent process via
// the file descriptor number passed to -addrfd, if any. It must be called
// precisely once, after flag.Parse.
func MustWrite(addr string) {
	if *fd == -1 {
		return
	}
	f := os.NewFile(uintptr(*fd), "")
	if _, err := f.Write([]byte(addr)); err != nil {
		log.Fatal(err)
	}
	if err := f.Close(); err != nil {
		log.Fatal(err)
	}
}
