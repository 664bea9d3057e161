package journal

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrUsage is returned by RunMigrateCommand for a malformed command line.
var ErrUsage = errors.New("usage: localizer [-db path] migrate up|down|status|force <version>")

// RunMigrateCommand runs the 'migrate' subcommand against the journal at
// dbPath and reports the resulting version to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		return ErrUsage
	}
	if dbPath == "" {
		return errors.New("migrate needs a journal path (-db)")
	}

	// Open without migrating; the subcommand owns the schema.
	db, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer db.Close()
	migrations := MigrationsFS()

	switch args[0] {
	case "up":
		if err := db.MigrateUp(migrations); err != nil {
			return err
		}
	case "down":
		if err := db.MigrateDown(migrations); err != nil {
			return err
		}
	case "status":
	case "force":
		if len(args) < 2 {
			return ErrUsage
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[1])
		}
		if err := db.MigrateForce(migrations, v); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown migrate action %q: %w", args[0], ErrUsage)
	}

	version, dirty, err := db.MigrateVersion(migrations)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintf(out, "journal %s: version %d (dirty: %v)\n", dbPath, version, dirty)
	if dirty {
		fmt.Fprintln(out, "WARNING: a migration failed mid-execution; inspect the journal and run 'migrate force <version>'")
	}
	return nil
}
