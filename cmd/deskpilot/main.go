// Command deskpilot runs the remote-control server for the desktop
// assistant.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deskpilot/deskpilot/infrastructure/logging"
	app "github.com/deskpilot/deskpilot/internal/app"
	"github.com/deskpilot/deskpilot/pkg/config"
	"github.com/deskpilot/deskpilot/pkg/version"
)

// forceExitAfter backstops a shutdown that hangs on a stuck connection.
const forceExitAfter = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to a JSON or YAML config file")
		pin         = flag.String("pin", "", "6-digit PIN (overrides env PIN)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if *pin != "" {
		cfg.Auth.PIN = *pin
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return 1
		}
	}

	log := logging.New("deskpilot", cfg.Logging.Level, cfg.Logging.Format)
	log.Infof("deskpilot %s starting", version.String())

	application, err := app.New(cfg, log)
	if err != nil {
		log.WithError(err).Error("initialisation failed")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("startup failed")
		return 1
	}

	<-ctx.Done()
	log.Info("shutting down")

	// If graceful shutdown wedges, leave anyway.
	forceExit := time.AfterFunc(forceExitAfter, func() {
		fmt.Fprintln(os.Stderr, "forced exit: shutdown did not complete in time")
		os.Exit(0)
	})
	defer forceExit.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), forceExitAfter)
	defer cancel()
	application.Stop(shutdownCtx)

	log.Info("goodbye")
	return 0
}
