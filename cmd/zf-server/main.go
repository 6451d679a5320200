// Command zf-server runs the public end of the forwarder: it accepts one
// authenticated forwarding client and exposes UDP/TCP ports on its behalf.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/pflag"
	"github.com/stfujnkk/zomboid-forward/pkg/zf"
)

var opt struct {
	Config string
	Level  string
	Help   bool
}

func init() {
	pflag.StringVarP(&opt.Config, "config", "c", "server.ini", "Configuration file path")
	pflag.StringVarP(&opt.Level, "level", "l", "", "Log level override (debug, info, warn, error, critical)")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, overrides from the environment are ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if !opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		var err error
		if e, err = zf.ReadEnvFile(pflag.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	}

	c, err := zf.LoadServer(opt.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}
	if err := c.ApplyEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse environment: %v\n", err)
		os.Exit(1)
	}
	if opt.Level != "" {
		if c.LogLevel, err = zf.ParseLogLevel(opt.Level); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	startDebugServer(c.DebugAddr)

	s, err := zf.NewServer(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			s.HandleSIGHUP()
		}
	}()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run server: %v\n", err)
		os.Exit(1)
	}
}

func startDebugServer(addr string) {
	if addr == "" {
		return
	}
	dbg := http.NewServeMux()
	dbg.HandleFunc("/debug/pprof/", pprof.Index)
	dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
	dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)
	dbg.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		fmt.Fprintf(os.Stderr, "warning: running insecure debug server on %q\n", addr)
		if err := http.ListenAndServe(addr, dbg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to start debug server: %v\n", err)
		}
	}()
}
