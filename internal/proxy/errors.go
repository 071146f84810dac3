package proxy

import (
	"fmt"
	"time"
)

func errNotEnabled() error {
	return fmt.Errorf("proxy not enabled in configuration")
}

func errAlreadyStarted() error {
	return fmt.Errorf("proxy already started")
}

func errSilenceExceeded(d time.Duration) error {
	return fmt.Errorf("no traffic from remote peer for %s, treating connection as lost", d)
}
