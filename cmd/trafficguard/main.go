// Command trafficguard detects anomalies in per-gateway, per-service traffic
// volume streams.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, out, errOut io.Writer) int {
	a := newApp(out, errOut)
	defer a.close()

	cmd := a.rootCommand()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(errOut, "trafficguard: %v\n", err)
		return 1
	}
	return 0
}
