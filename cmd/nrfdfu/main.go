// Command nrfdfu drives a Nordic Secure DFU target over BLE: scan for a
// device advertising the DFU service, then push an update package to it.
package main

import (
	"fmt"
	"os"

	"github.com/nordicsemi/go-secure-dfu/cmd/nrfdfu/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
