package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "bulkgen",
		Usage: "bulk product content generation",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API and the job orchestrator",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Usage:   "path to the YAML config file",
						Sources: cli.EnvVars("BULKGEN_CONFIG"),
					},
					&cli.StringFlag{
						Name:  "env",
						Usage: "optional .env file loaded before the config",
						Value: ".env",
					},
				},
				Action: serveAction,
			},
			{
				Name:  "submit",
				Usage: "submit a CSV or JSON file of items as one job",
				Flags: []cli.Flag{
					serverFlag(),
					apiKeyFlag(),
					&cli.StringFlag{
						Name:     "owner",
						Usage:    "owner of the job",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "file",
						Usage:    "items file (.csv with a name,features,platform header, or .json array)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "sections",
						Usage: "comma separated content sections to generate",
					},
					&cli.StringFlag{
						Name:  "callback-url",
						Usage: "URL notified when the job finishes",
					},
					&cli.StringFlag{
						Name:    "authorization",
						Usage:   "Authorization header forwarded to the generation provider",
						Sources: cli.EnvVars("BULKGEN_AUTHORIZATION"),
					},
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "poll until the job has finished and print the result",
					},
					&cli.DurationFlag{
						Name:  "poll-interval",
						Usage: "interval between status polls with --wait",
						Value: 2 * time.Second,
					},
				},
				Action: submitAction,
			},
			{
				Name:  "status",
				Usage: "print a job",
				Flags: []cli.Flag{
					serverFlag(),
					apiKeyFlag(),
					&cli.StringFlag{
						Name:     "id",
						Usage:    "job id",
						Required: true,
					},
				},
				Action: statusAction,
			},
		},
	}
}

func serverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "server",
		Usage:   "base URL of the bulkgen server",
		Value:   "http://localhost:8080",
		Sources: cli.EnvVars("BULKGEN_SERVER"),
	}
}

func apiKeyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "api-key",
		Usage:   "value for the X-API-Key header",
		Sources: cli.EnvVars("BULKGEN_API_KEY"),
	}
}
