package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"simrun.engine/cmd/simctl/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	requestFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "file",
			Usage: "JSON submit request; flags override its fields",
		},
		&cli.StringFlag{
			Name:  "workload",
			Usage: "workload name passed to the simulation",
		},
		&cli.StringFlag{
			Name:  "image",
			Usage: "container image (server default when empty)",
		},
		&cli.IntFlag{
			Name:  "timeout-seconds",
			Usage: "wall-clock limit per job",
		},
		&cli.StringFlag{
			Name:    "created-by",
			Usage:   "submitter recorded on the job",
			Sources: cli.EnvVars("USER"),
		},
		&cli.StringSliceFlag{
			Name:  "meta",
			Usage: "metadata key=value, repeatable",
		},
		&cli.StringSliceFlag{
			Name:    "param",
			Aliases: []string{"p"},
			Usage:   "parameter name=value, repeatable, kept in order",
		},
		&cli.BoolFlag{
			Name:  "wait",
			Usage: "wait for the submitted jobs to finish",
		},
	}

	app := &cli.Command{
		Name:  "simctl",
		Usage: "submit and follow simulation jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "engine base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("SIMCTL_SERVER"),
			},
			&cli.DurationFlag{
				Name:  "request-timeout",
				Usage: "timeout for a single API request",
				Value: 30 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print raw JSON",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "submit",
				Usage:  "submit a single job",
				Flags:  requestFlags,
				Action: commands.SubmitAction,
			},
			{
				Name:  "sweep",
				Usage: "submit a parameter sweep",
				Flags: append([]cli.Flag{
					&cli.StringSliceFlag{
						Name:  "vary",
						Usage: "swept parameter name=v1,v2,..., repeatable",
					},
				}, requestFlags...),
				Action: commands.SweepAction,
			},
			{
				Name:      "sweep-status",
				Usage:     "show status counts for a sweep",
				ArgsUsage: "<sweep-id>",
				Action:    commands.SweepStatusAction,
			},
			{
				Name:      "get",
				Usage:     "show a job",
				ArgsUsage: "<job-id>",
				Action:    commands.GetAction,
			},
			{
				Name:  "list",
				Usage: "list jobs, newest first",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "page",
						Value: 1,
					},
					&cli.IntFlag{
						Name:  "size",
						Value: 20,
					},
					&cli.StringFlag{
						Name:  "status",
						Usage: "queued, claimed, running, success, failed or cancelled",
					},
					&cli.StringFlag{
						Name: "created-by",
					},
					&cli.StringFlag{
						Name: "sweep",
					},
				},
				Action: commands.ListAction,
			},
			{
				Name:      "logs",
				Usage:     "print job logs",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "follow",
						Aliases: []string{"f"},
						Usage:   "stream lines until the job finishes",
					},
				},
				Action: commands.LogsAction,
			},
			{
				Name:      "cancel",
				Usage:     "cancel a job",
				ArgsUsage: "<job-id>",
				Action:    commands.CancelAction,
			},
			{
				Name:      "result",
				Usage:     "download a job's output archive",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "destination file (default <job-id>.tar.gz)",
					},
				},
				Action: commands.ResultAction,
			},
			{
				Name:   "stats",
				Usage:  "show aggregate job statistics",
				Action: commands.StatsAction,
			},
			{
				Name:      "wait",
				Usage:     "wait until a job finishes",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Value: 2 * time.Second,
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "give up after this long (0 waits forever)",
					},
				},
				Action: commands.WaitAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
