// Package main provides shelfctl, an operator tool for inspecting and
// repairing shelfsync's mapping store and run history. It talks to the
// same database as the daemon and never contacts any target service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/shelfsync/shelfsync/internal/config"
	"github.com/shelfsync/shelfsync/internal/database"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/mismatch"
)

// init initializes the logger with default values
func init() {
	logger.Setup(logger.Config{
		Level:      "warn",
		Format:     logger.FormatJSON,
		TimeFormat: time.RFC3339,
	})
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "shelfctl",
		Usage:   "Inspect and repair shelfsync mappings and run history",
		Version: fmt.Sprintf("%s (%s) %s", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "config.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "mappings",
				Usage: "Manage book mappings",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List stored mappings",
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:  "limit",
								Usage: "Maximum number of mappings to return",
								Value: 50,
							},
							&cli.IntFlag{
								Name:  "offset",
								Usage: "Number of mappings to skip",
							},
							&cli.BoolFlag{
								Name:  "rejected",
								Usage: "Only show rejected mappings",
							},
						},
						Action: listMappings,
					},
					{
						Name:  "set",
						Usage: "Set a manual mapping for a book",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "book-id",
								Usage:    "Source library book ID",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "service",
								Usage:    "Target service name (hardcover, storygraph)",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "target-id",
								Usage:    "Book ID on the target service",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "title",
								Usage: "Book title, for display only",
							},
							&cli.StringFlag{
								Name:  "author",
								Usage: "Book author, for display only",
							},
						},
						Action: setMapping,
					},
					{
						Name:  "reject",
						Usage: "Reject a mapping so the book is not synced",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "book-id",
								Usage:    "Source library book ID",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "service",
								Usage:    "Target service name",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "reason",
								Usage: "Why the mapping is wrong",
								Value: "rejected by operator",
							},
						},
						Action: rejectMapping,
					},
					{
						Name:  "remove",
						Usage: "Delete a mapping so the resolver starts over",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "book-id",
								Usage:    "Source library book ID",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "service",
								Usage:    "Target service name",
								Required: true,
							},
						},
						Action: removeMapping,
					},
					{
						Name:  "import",
						Usage: "Import manual mappings from a JSON file",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "input",
								Aliases:  []string{"i"},
								Usage:    "Path to a JSON array of mappings",
								Required: true,
							},
						},
						Action: importMappings,
					},
				},
			},
			{
				Name:  "runs",
				Usage: "Inspect sync run history",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List recent sync runs",
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:  "limit",
								Usage: "Maximum number of runs to return",
								Value: 20,
							},
						},
						Action: listRuns,
					},
					{
						Name:      "show",
						Usage:     "Show one run with its per-book records",
						ArgsUsage: "RUN_ID",
						Action:    showRun,
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Show aggregate mapping and run statistics",
				Action: showStats,
			},
			{
				Name:  "mismatches",
				Usage: "Work with unmatched books",
				Subcommands: []*cli.Command{
					{
						Name:  "export",
						Usage: "Export rejected mappings as mismatch review files",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:    "output",
								Aliases: []string{"o"},
								Usage:   "Output directory",
								Value:   "./data/mismatches",
							},
						},
						Action: exportMismatches,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		// Use the logger to ensure consistent format
		logger.Get().Error("Error running application", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

// openStore opens the database named by the global --config flag. A
// missing config file falls back to the default sqlite location.
func openStore(c *cli.Context) (*database.Repository, *database.Database, error) {
	log := logger.Get()

	var appCfg *config.Config
	if path := c.String("config"); path != "" {
		if _, err := os.Stat(path); err == nil {
			appCfg, err = config.LoadFromFile(path)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	db, err := database.New(database.ConfigFromApp(appCfg), log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database.NewRepository(db, log), db, nil
}

func printJSON(v interface{}) {
	output, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(output))
}

func listMappings(c *cli.Context) error {
	repo, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()

	var mappings []database.Mapping
	if c.Bool("rejected") {
		mappings, err = repo.ListRejectedMappings(ctx)
	} else {
		mappings, err = repo.ListMappings(ctx, c.Int("limit"), c.Int("offset"))
	}
	if err != nil {
		return err
	}

	total, err := repo.CountMappings(ctx)
	if err != nil {
		return err
	}

	printJSON(map[string]interface{}{
		"mappings": mappings,
		"count":    len(mappings),
		"total":    total,
	})
	return nil
}

func setMapping(c *cli.Context) error {
	repo, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	bookID := c.String("book-id")
	service := c.String("service")
	targetID := c.String("target-id")

	if err := repo.SetManualMapping(context.Background(), bookID, service, targetID,
		c.String("title"), c.String("author")); err != nil {
		return fmt.Errorf("failed to set manual mapping: %w", err)
	}

	fmt.Printf("Manual mapping saved: %s -> %s on %s\n", bookID, targetID, service)
	return nil
}

func importMappings(c *cli.Context) error {
	repo, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := database.NewImportManager(repo, logger.Get())
	imported, err := mgr.ImportMappings(context.Background(), c.String("input"))
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d mappings\n", imported)
	return nil
}

func rejectMapping(c *cli.Context) error {
	repo, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	bookID := c.String("book-id")
	service := c.String("service")

	if err := repo.RejectMapping(context.Background(), bookID, service, c.String("reason")); err != nil {
		return fmt.Errorf("failed to reject mapping: %w", err)
	}

	fmt.Printf("Mapping rejected: %s on %s\n", bookID, service)
	return nil
}

func removeMapping(c *cli.Context) error {
	repo, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	bookID := c.String("book-id")
	service := c.String("service")

	if err := repo.DeleteMapping(context.Background(), bookID, service); err != nil {
		return fmt.Errorf("failed to remove mapping: %w", err)
	}

	fmt.Printf("Mapping removed: %s on %s\n", bookID, service)
	return nil
}

func listRuns(c *cli.Context) error {
	repo, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := repo.ListRuns(context.Background(), c.Int("limit"))
	if err != nil {
		return err
	}

	printJSON(map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
	return nil
}

func showRun(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("run ID is required")
	}

	repo, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	run, records, err := repo.GetRun(context.Background(), id)
	if err != nil {
		return err
	}

	printJSON(map[string]interface{}{
		"run":     run,
		"records": records,
	})
	return nil
}

func showStats(c *cli.Context) error {
	repo, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := repo.GetStats(context.Background())
	if err != nil {
		return err
	}

	printJSON(stats)
	return nil
}

// exportMismatches rebuilds the mismatch review files from the rejected
// mappings in the database, in the same format the daemon writes after
// each run.
func exportMismatches(c *cli.Context) error {
	repo, db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	rejected, err := repo.ListRejectedMappings(context.Background())
	if err != nil {
		return err
	}
	if len(rejected) == 0 {
		fmt.Println("No rejected mappings to export")
		return nil
	}

	mismatch.Clear()
	for _, m := range rejected {
		mismatch.Add(mismatch.BookMismatch{
			BookID:    m.BookID,
			Title:     m.Title,
			Author:    m.Author,
			Service:   m.Service,
			Reason:    m.Reason,
			Timestamp: m.UpdatedAt.Unix(),
			CreatedAt: m.CreatedAt,
		})
	}

	dir := c.String("output")
	if err := mismatch.SaveToFile(dir); err != nil {
		return fmt.Errorf("failed to export mismatches: %w", err)
	}

	fmt.Printf("Exported %d mismatches to %s\n", len(rejected), dir)
	return nil
}
