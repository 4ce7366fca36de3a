// lbswitchd is the lbswitch OpenFlow controller daemon.
//
// It runs a reactive L2 learning switch that can also spread ARP
// resolution of a configured prefix across synthetic identities.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/lbswitch/pkg/config"
	"github.com/psaab/lbswitch/pkg/daemon"
	"github.com/psaab/lbswitch/pkg/logging"
)

func main() {
	configFile := flag.String("config", config.DefaultPath, "configuration file path")
	ofAddr := flag.String("listen", "", "OpenFlow listen address (overrides config)")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides config, \"off\" to disable)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC listen address (overrides config, \"off\" to disable)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	syslogHandler := logging.NewSyslogSlogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(slog.New(syslogHandler))

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		OFAddr:     *ofAddr,
		APIAddr:    *apiAddr,
		GRPCAddr:   *grpcAddr,
		Syslog:     syslogHandler,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "lbswitchd: %v\n", err)
		os.Exit(1)
	}
}
