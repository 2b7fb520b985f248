package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/adestefa/tm-isync-adapter/internal/config"
	"github.com/adestefa/tm-isync-adapter/internal/sync"
)

// Exit codes per the service contract: the host service manager restarts
// the daemon on any non-zero exit.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStateError   = 2
	exitRuntimeError = 3
)

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		os.Exit(exitOK)
	}

	fmt.Fprintf(os.Stderr, "tm-isync-adapter: %v\n", err)

	switch {
	case errors.Is(err, config.ErrInvalid):
		os.Exit(exitConfigError)
	case errors.Is(err, sync.ErrStateStore):
		os.Exit(exitStateError)
	default:
		os.Exit(exitRuntimeError)
	}
}
