// Command annostore inspects and maintains an annotation state store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sharedcode/annostore"
)

func main() {
	annostore.ConfigureLogging()
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
