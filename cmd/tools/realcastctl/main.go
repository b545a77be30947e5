// Command realcastctl drives the control plane of a running hub: issuing and
// revoking playback tokens, forcing lifecycle transitions, rotating keys and
// inspecting channels.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, &http.Client{Timeout: 15 * time.Second})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "realcastctl:", err)
		os.Exit(1)
	}
}
