package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/barryq93/dbwatch/internal/app"
	"github.com/barryq93/dbwatch/internal/utils"
	"github.com/sirupsen/logrus"
)

const usage = `usage: dbwatch [-config file] <command>

commands:
  serve                          run the monitoring server (default)
  database health                database, pool and backup health
  database optimize [-apply]     index and maintenance recommendations
  database backup                run a backup now (minimum interval applies)
  performance summary            full metrics summary
  performance optimize           install reporting views, list slow query patterns
  performance cache [-clear]     cache statistics, or clear the cache
`

var commands = map[string]bool{
	"database health":      true,
	"database optimize":    true,
	"database backup":      true,
	"performance summary":  true,
	"performance optimize": true,
	"performance cache":    true,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("dbwatch", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() { fmt.Fprint(stderr, usage) }
	configFile := flags.String("config", "config.yml", "Path to configuration file")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	logrus.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg:  "message",
			logrus.FieldKeyTime: "timestamp",
		},
	})
	logrus.SetOutput(stdout)

	rest := flags.Args()
	if len(rest) == 0 || rest[0] == "serve" {
		return serve(*configFile)
	}

	// One-shot commands print JSON on stdout and log to stderr.
	logrus.SetOutput(stderr)
	if len(rest) < 2 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	group, command, opts := rest[0], rest[1], rest[2:]
	if !commands[group+" "+command] {
		fmt.Fprintf(stderr, "unknown command %q\n%s", group+" "+command, usage)
		return 2
	}

	sub := flag.NewFlagSet(group+" "+command, flag.ContinueOnError)
	sub.SetOutput(stderr)
	apply := sub.Bool("apply", false, "create missing indexes before reporting")
	clearCache := sub.Bool("clear", false, "clear the cache instead of reporting")
	if err := sub.Parse(opts); err != nil {
		return 2
	}

	config, err := app.LoadConfig(*configFile)
	if err != nil {
		logrus.Errorf("Failed to load config: %v", err)
		return 1
	}
	utils.SetLogLevel(config.GlobalConfig.LogLevel)

	ctx := context.Background()
	application, err := app.New(ctx, config, logrus.StandardLogger())
	if err != nil {
		logrus.Errorf("Failed to initialize application: %v", err)
		return 1
	}
	defer application.Shutdown()

	var out any
	code := 0
	switch group + " " + command {
	case "database health":
		report := application.Health(ctx)
		if report.Status == "unavailable" {
			code = 1
		}
		out = report
	case "database optimize":
		out = application.Optimization(ctx, *apply)
	case "database backup":
		report := application.TriggerBackup(ctx)
		if report.Error != "" {
			code = 1
		}
		out = report
	case "performance summary":
		out = application.Summary(ctx)
	case "performance optimize":
		out = application.OptimizeQueries(ctx)
	case "performance cache":
		if *clearCache {
			out = application.ClearCache(ctx)
		} else {
			out = application.CacheStats(ctx)
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logrus.Errorf("Failed to encode output: %v", err)
		return 1
	}
	return code
}

func serve(configFile string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, configFile)
	if err != nil {
		logrus.Errorf("Failed to initialize application: %v", err)
		return 1
	}

	code := 0
	select {
	case <-ctx.Done():
		logrus.Info("Shutdown signal received")
	case err := <-application.Errors():
		logrus.Errorf("Server stopped: %v", err)
		code = 1
	}
	application.Shutdown()
	logrus.Info("Application shutdown complete")
	return code
}
