package db

import (
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand implements the "migrate" subcommand of scg-server.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 || args[0] == "help" {
		PrintMigrateHelp(out)
		if len(args) < 1 {
			return fmt.Errorf("missing migrate action")
		}
		return nil
	}

	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	migrations := MigrationsFS()

	switch args[0] {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ All migrations applied successfully")
	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Migration rolled back successfully")
	case "status":
		// printed below
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: scg-server migrate force <version>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[1])
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migration version forced to %d\n", v)
	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action %q", args[0])
	}

	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (latest %d, dirty: %v)\n", version, latest, dirty)
	return nil
}

func PrintMigrateHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: scg-server migrate <command>")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  up           Apply all pending migrations")
	fmt.Fprintln(out, "  down         Roll back one migration")
	fmt.Fprintln(out, "  status       Show the current migration version")
	fmt.Fprintln(out, "  force <N>    Force the version to N (recovery only)")
	fmt.Fprintln(out, "  help         Show this help message")
}
