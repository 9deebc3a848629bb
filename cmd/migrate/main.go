package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/angelmondragon/genstudio-backend/cmd/internal/boot"
	"github.com/angelmondragon/genstudio-backend/pkg/db"
	"github.com/angelmondragon/genstudio-backend/pkg/migrate"
)

const usage = `usage: migrate [-dir DIR] COMMAND [ARG]

commands:
  up | down | redo | status | version   goose commands against GENSTUDIO_DB_DSN
  to VERSION                            migrate up or down to VERSION
  create NAME                           write an empty migration
  validate                              check migration files offline
`

func main() {
	dir := flag.String("dir", migrate.DefaultDir, "goose migrations directory")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	command, arg := flag.Arg(0), flag.Arg(1)

	// Offline commands need neither config nor a database.
	switch command {
	case "create":
		if arg == "" {
			fail("create requires NAME", nil)
		}
		path, err := migrate.CreateSQLMigration(*dir, arg)
		if err != nil {
			fail("create migration", err)
		}
		fmt.Println(path)
		return
	case "validate":
		if err := migrate.ValidateDir(*dir); err != nil {
			fail("validate", err)
		}
		fmt.Println("migrations ok")
		return
	}

	p := boot.Start("migrate")
	ctx, stop := p.Context()
	defer stop()
	ctx = p.Logger.WithFields(ctx, map[string]any{"cmd": command, "dir": *dir})

	dbClient, err := db.New(ctx, p.Config.DB, p.Logger)
	p.Must(ctx, "database", err)
	p.Track("database", dbClient)
	defer p.Close(context.WithoutCancel(ctx))
	sqlDB, err := dbClient.DB().DB()
	p.Must(ctx, "database handle", err)

	switch command {
	case "up", "down", "redo", "status", "version":
		err = migrate.Run(ctx, sqlDB, *dir, command)
	case "to":
		if arg == "" {
			fail("to requires VERSION", nil)
		}
		err = migrate.MigrateToVersion(ctx, sqlDB, *dir, arg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	p.Must(ctx, command, err)
	p.Logger.Info(ctx, "migrate.done")
}

func fail(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(1)
}
