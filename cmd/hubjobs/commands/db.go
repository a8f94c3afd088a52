package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hubjobs/am"
	"github.com/teranos/hubjobs/db"
	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the jobs database",
	Long: sym.DB + ` db — Manage the jobs database

Examples:
  hubjobs db migrate              # Apply pending migrations
  hubjobs db stats                # Show row counts and jobs per state`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := am.GetDatabasePath()
		if err != nil {
			return fmt.Errorf("failed to get database path: %w", err)
		}
		database, err := db.Open(path, logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := db.MigrateReport(database, logger.Logger)
		if err != nil {
			return fmt.Errorf("migration failed after %d applied: %w", len(applied), err)
		}
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "  applied %s\n", name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Database %s is up to date\n", sym.DB, path)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	stats, err := db.Stats(database)
	if err != nil {
		return fmt.Errorf("failed to query table stats: %w", err)
	}

	rows, err := database.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state ORDER BY state`)
	if err != nil {
		return fmt.Errorf("failed to query job states: %w", err)
	}
	defer rows.Close()

	byState := pterm.TableData{{"State", "Jobs"}}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return fmt.Errorf("failed to scan job state: %w", err)
		}
		byState = append(byState, []string{state, fmt.Sprint(n)})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read job states: %w", err)
	}

	pterm.DefaultSection.Printf("%s Database Statistics", sym.DB)
	pterm.Printf("Database Path: %s\n\n", cfg.GetDatabasePath())

	tables := pterm.TableData{{"Table", "Rows"}}
	for _, s := range stats {
		tables = append(tables, []string{s.Table, fmt.Sprint(s.Rows)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(tables).Render(); err != nil {
		return err
	}
	pterm.Println()
	return pterm.DefaultTable.WithHasHeader().WithData(byState).Render()
}
