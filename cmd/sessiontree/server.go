package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"
)

// serveUntil runs server on l until stop receives, then shuts it down and
// waits up to timeout for open requests to finish.
func serveUntil(server *http.Server, l net.Listener, stop <-chan os.Signal, timeout time.Duration) error {
	done := make(chan struct{})
	shutdown := make(chan error, 1)
	go func() {
		select {
		case <-stop:
		case <-done:
			shutdown <- nil
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		shutdown <- server.Shutdown(ctx)
	}()

	err := server.Serve(l)
	if !errors.Is(err, http.ErrServerClosed) {
		close(done)
		<-shutdown
		return err
	}
	return <-shutdown
}
