package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gofrs/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/docflow-backend/config"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/x/temporal"

	database "github.com/instill-ai/docflow-backend/pkg/db"
)

// defaultSweepGrace covers the time between a claim and the start of its
// workflow, including the Temporal client's retries.
const defaultSweepGrace = 5 * time.Minute

func main() {
	app := &cli.App{
		Name:  "docflowctl",
		Usage: "Operate the docflow pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				Value:   "config/config.yaml",
			},
			&cli.StringFlag{
				Name:  "api-url",
				Usage: "Base URL of the API server",
				Value: "http://localhost:8080",
			},
		},
		Before: func(c *cli.Context) error {
			return config.Init(c.String("config"))
		},
		Commands: []*cli.Command{
			{
				Name:  "claims",
				Usage: "Inspect and release task claims",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List the files holding a task claim",
						Action: listClaimsCommand,
					},
					{
						Name:   "clear",
						Usage:  "Release the claim of a file whose job is lost",
						Action: clearClaimCommand,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "file",
								Aliases:  []string{"f"},
								Usage:    "UID of the file",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "job",
								Usage: "Only clear the claim if it is held by this job",
							},
						},
					},
					{
						Name:   "sweep",
						Usage:  "Report the claims whose job isn't running",
						Action: sweepClaimsCommand,
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:  "clear",
								Usage: "Release the reported claims",
							},
							&cli.DurationFlag{
								Name:  "grace",
								Usage: "Skip claims updated within this period, their job may not be started yet",
								Value: defaultSweepGrace,
							},
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openRepository() (repository.Repository, func(), error) {
	db, err := database.GetConnection(&config.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	// Claims are only read from the entity store.
	return repository.NewRepository(db, nil, nil, nil), func() { database.Close(db) }, nil
}

func listClaimsCommand(c *cli.Context) error {
	repo, closeFn, err := openRepository()
	if err != nil {
		return err
	}
	defer closeFn()

	files, err := repo.ListClaimedFiles(c.Context)
	if err != nil {
		return err
	}
	return printClaims(c.App.Writer, files)
}

func clearClaimCommand(c *cli.Context) error {
	uid, err := uuid.FromString(c.String("file"))
	if err != nil {
		return fmt.Errorf("invalid file UID: %w", err)
	}

	if err := newAPIClient(c.String("api-url")).ClearClaim(c.Context, uid, c.String("job")); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Claim of %s cleared\n", uid)
	return nil
}

func sweepClaimsCommand(c *cli.Context) error {
	repo, closeFn, err := openRepository()
	if err != nil {
		return err
	}
	defer closeFn()

	temporalClient, err := dialTemporal()
	if err != nil {
		return err
	}
	defer temporalClient.Close()

	grace := c.Duration("grace")
	if grace < 0 {
		return fmt.Errorf("invalid grace period %s", grace)
	}

	orphans, err := findOrphanClaims(c.Context, repo, temporalClient, time.Now().Add(-grace))
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Fprintln(c.App.Writer, "No orphan claims")
		return nil
	}
	if err := printOrphans(c.App.Writer, orphans); err != nil {
		return err
	}

	if !c.Bool("clear") {
		return nil
	}
	return clearOrphans(c.Context, newAPIClient(c.String("api-url")), orphans)
}

// clearOrphans releases every orphan claim, carrying on after a failure.
func clearOrphans(ctx context.Context, cl claimClearer, orphans []orphanClaim) error {
	var failed int
	for _, o := range orphans {
		if err := cl.ClearClaim(ctx, o.File.UID, *o.File.ClaimedTaskID); err != nil {
			log.Printf("Couldn't clear claim of %s: %v", o.File.UID, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d claims couldn't be cleared", failed, len(orphans))
	}
	return nil
}

func dialTemporal() (temporalclient.Client, error) {
	opts, err := temporal.ClientOptions(config.Config.Temporal, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("building Temporal client options: %w", err)
	}
	return temporalclient.Dial(opts)
}
