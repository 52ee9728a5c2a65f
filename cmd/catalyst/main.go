package main

import (
	"fmt"
	"os"

	catalyst "github.com/catalyst-network/catalyst/internal/catalyst-cli"
)

func main() {
	app := catalyst.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "catalyst: error running app: %s\n", err)
		os.Exit(1)
	}
}
