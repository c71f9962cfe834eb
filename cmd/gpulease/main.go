package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/router-for-me/gpulease/internal/app"
	"github.com/router-for-me/gpulease/internal/config"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := run(ctx, os.Args[1:], os.Stdout); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run parses flags, loads config, and dispatches to serve, migrate, or token.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("gpulease "+command, flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", config.DefaultPort, "server port when the config file omits one")
	expiry := fs.Duration("expiry", 0, "admin token lifetime (token command; defaults to jwt.expiry)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	if errValidate := validatePort(*port); errValidate != nil {
		return errValidate
	}
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}

	switch command {
	case "serve":
		if !app.ConfigExists(appCfg.ConfigPath) && strings.TrimSpace(os.Getenv(config.EnvDBConnection)) == "" {
			return fmt.Errorf("config file %s not found and %s is unset", appCfg.ConfigPath, config.EnvDBConnection)
		}
		return app.RunServer(ctx, appCfg, *port)
	case "migrate":
		return app.Migrate(ctx, appCfg)
	case "token":
		token, errToken := app.IssueAdminToken(appCfg, *expiry)
		if errToken != nil {
			return errToken
		}
		_, errWrite := fmt.Fprintln(stdout, token)
		return errWrite
	default:
		return fmt.Errorf("unknown command %q (want serve, migrate, or token)", command)
	}
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
