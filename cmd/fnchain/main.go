// Command fnchain runs destination chains over events read from stdin, and doubles as the
// sandbox worker process started by the supervisor.
package main

import (
	"os"

	"github.com/zpiroux/fnchain/cmd/fnchain/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
