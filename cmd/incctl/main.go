// Command incctl is a minimal command-line client for the INC fabric,
// issuing one call per invocation: the io.inc.ServerInfo query by default,
// or the method named by -method.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kagenode/inc/context"
)

func main() {
	url := flag.String("url", "tcp://127.0.0.1:8420", "server URL")
	method := flag.String("method", "", "method name to call, e.g. io.inc.ServerInfo")
	timeout := flag.Duration("timeout", 5*time.Second, "call timeout")
	flag.Parse()

	ctx := context.New(context.Config{URL: *url})
	if err := ctx.Connect(*timeout); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer ctx.Disconnect()

	if *method == "" {
		info, err := ctx.ServerInfo(*timeout)
		if err != nil {
			fmt.Fprintln(os.Stderr, "server info:", err)
			os.Exit(1)
		}
		fmt.Printf("name=%s version=%s uptime=%ds\n", info.Name, info.Version, info.UptimeSecs)
		return
	}

	result, err := ctx.CallMethod(*method, 1, nil, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "call failed:", err)
		os.Exit(1)
	}
	fmt.Printf("%q -> %d bytes\n", *method, len(result))
}
