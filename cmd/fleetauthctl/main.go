// fleetauthctl is the operator CLI for the device auth hub.
package main

import (
	"os"

	"github.com/fleetctrl/fleetauth/cmd/fleetauthctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
