// Command portcat connects named ports with carriers and copies bytes
// between them and the standard streams.
package main

import (
	"os"

	"github.com/raskyld/carrier/cmd/portcat/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
