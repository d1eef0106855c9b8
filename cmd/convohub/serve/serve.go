// Package servecmder provides the serve command that runs the API server.
package servecmder

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/convohubhq/convohub/api"
	"github.com/convohubhq/convohub/pkg/config"
	"github.com/convohubhq/convohub/pkg/dag"
	"github.com/convohubhq/convohub/pkg/diff"
	"github.com/convohubhq/convohub/pkg/events"
	kafkaevents "github.com/convohubhq/convohub/pkg/events/kafka"
	"github.com/convohubhq/convohub/pkg/events/nop"
	"github.com/convohubhq/convohub/pkg/idempotency"
	"github.com/convohubhq/convohub/pkg/logger"
	"github.com/convohubhq/convohub/pkg/merge"
	"github.com/convohubhq/convohub/pkg/service"
	"github.com/convohubhq/convohub/pkg/store"
	"github.com/convohubhq/convohub/pkg/store/inmemory"
	"github.com/convohubhq/convohub/pkg/store/postgres"
	"github.com/convohubhq/convohub/pkg/store/sqlite"
	"github.com/convohubhq/convohub/pkg/textgen"
)

type ServeCommander struct {
	listen string
	config *config.Config
	logger *slog.Logger
}

const serveLongDesc string = `Run the Convohub API server.

Configuration is resolved from flags, CONVOHUB_ environment variables,
config.toml and built-in defaults, in that order.`

const serveShortDesc string = "Run the Convohub API server"

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("could not get config flag: %v", err)
			}
			debug, err := cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}

			v, err := config.InitViper(configFile)
			if err != nil {
				return err
			}
			cmder.config = config.FromViper(v)
			if debug {
				cmder.config.Log.Debug = true
			}
			if cmder.listen != "" {
				cmder.config.API.Listen = cmder.listen
			}
			return cmder.run()
		},
	}

	cmd.Flags().StringVarP(&cmder.listen, "listen", "l", "", "Address for the API server to listen on")

	return cmd
}

func (c *ServeCommander) run() error {
	c.logger = logger.New(
		logger.WithDebug(c.config.Log.Debug),
		logger.WithPretty(c.config.Log.Pretty),
		logger.WithJSON(c.config.Log.JSON),
	)

	// With log.file set, every record also lands in the file as JSON.
	if c.config.Log.File != "" {
		f, err := os.OpenFile(c.config.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		c.logger = logger.Multi(
			c.logger,
			logger.New(
				logger.WithDebug(c.config.Log.Debug),
				logger.WithJSON(true),
				logger.WithWriter(f),
			),
		)
	}

	storer, err := c.createStorer()
	if err != nil {
		return err
	}
	defer storer.Close()

	publisher := c.createPublisher()
	defer publisher.Close()

	generator := c.createGenerator()
	idem := idempotency.NewCoordinator(storer)

	registry := merge.NewRegistry(
		merge.NewAppendLast(),
		merge.NewResolver(generator, c.logger),
	)

	svc := service.New(storer, generator, idem, publisher, c.logger)
	differ := diff.NewEngine(storer)
	merger := merge.NewEngine(storer, registry, idem, publisher, c.logger)
	edges := dag.NewEdgeManager(storer)

	server := api.NewServer(api.Config{ListenAddr: c.config.API.Listen}, svc, differ, merger, edges, storer, c.logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		c.logger.Info("shutting down", "signal", sig.String())
		return server.Shutdown()
	}
}

func (c *ServeCommander) createStorer() (store.Store, error) {
	switch c.config.Storage.Driver {
	case "inmemory", "":
		c.logger.Info("using in-memory store")
		return inmemory.NewDriver(), nil
	case "sqlite":
		c.logger.Info("using sqlite store", "path", c.config.Storage.SQLitePath)
		return sqlite.NewDriver(c.config.Storage.SQLitePath)
	case "postgres":
		c.logger.Info("using postgres store")
		return postgres.NewDriver(c.config.Storage.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", c.config.Storage.Driver)
	}
}

func (c *ServeCommander) createGenerator() textgen.Generator {
	switch c.config.Textgen.Provider {
	case "ollama":
		c.logger.Info("using ollama text generation",
			"target", c.config.Textgen.Target, "model", c.config.Textgen.Model)
		return textgen.NewOllama(c.config.Textgen.Target, c.config.Textgen.Model)
	default:
		c.logger.Info("using echo text generation")
		return textgen.NewEcho()
	}
}

func (c *ServeCommander) createPublisher() events.Publisher {
	if !c.config.Events.Enabled || len(c.config.Events.Brokers) == 0 {
		return nop.NewPublisher()
	}
	c.logger.Info("publishing events to kafka",
		"brokers", c.config.Events.Brokers, "topic", c.config.Events.Topic)
	return kafkaevents.NewPublisher(c.config.Events.Brokers, c.config.Events.Topic)
}
