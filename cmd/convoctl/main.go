// Command convoctl runs administrative tasks against the engine's database:
// schema migration, catalog seeding and operator token issuance.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
