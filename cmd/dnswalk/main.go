package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"golang.org/x/net/trace"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return lastExitCode
	}
	return exitOK
}

// startDebugServer exposes pprof and golang.org/x/net/trace over HTTP for
// --debug runs. It never blocks startup: a bind failure is logged and
// otherwise ignored, since debug endpoints are diagnostic, not load-bearing.
func startDebugServer(addr string) {
	trace.AuthRequest = func(*http.Request) (any, sensitive bool) {
		return true, true
	}
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Fprintf(os.Stderr, "debug server on %s exited: %v\n", addr, err)
		}
	}()
}
