package main

import (
	"fmt"
	"os"

	"github.com/danmuck/objrpc/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "objrpcctl: %v\n", err)
		os.Exit(1)
	}
}
