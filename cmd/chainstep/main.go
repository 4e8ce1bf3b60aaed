// Command chainstep runs ordered, idempotent contract migrations.
package main

import (
	"os"

	"github.com/roach88/chainstep/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
