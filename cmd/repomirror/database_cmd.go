package main

import (
	"context"
	"fmt"
)

// databaseInit and databaseUpgrade both just report the schema version:
// store.Open already created the database file and ran every pending
// migration as part of `load`, so by the time a subcommand runs there is
// nothing left to do.
func databaseInit(ctx context.Context, cc *commonConfig, args []string) error {
	v, err := cc.store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("database initialized at schema version %d\n", v)
	return nil
}

func databaseUpgrade(ctx context.Context, cc *commonConfig, args []string) error {
	v, err := cc.store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("database already at schema version %d\n", v)
	return nil
}

func databaseCurrent(ctx context.Context, cc *commonConfig, args []string) error {
	v, err := cc.store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func databaseHistory(ctx context.Context, cc *commonConfig, args []string) error {
	hist, err := cc.store.MigrationHistory(ctx)
	if err != nil {
		return err
	}
	for _, m := range hist {
		fmt.Printf("%d\t%s\n", m.ID, m.MigratedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

func databaseStatus(ctx context.Context, cc *commonConfig, args []string) error {
	v, err := cc.store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	violations, err := cc.store.VerifyForeignKeys(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("schema version: %d\nforeign key violations: %d\n", v, len(violations))
	return nil
}

func databaseStats(ctx context.Context, cc *commonConfig, args []string) error {
	stats, err := cc.store.TableStats(ctx)
	if err != nil {
		return err
	}
	for table, n := range stats {
		fmt.Printf("%s\t%d\n", table, n)
	}
	return nil
}

func databaseVerify(ctx context.Context, cc *commonConfig, args []string) error {
	violations, err := cc.store.VerifyForeignKeys(ctx)
	if err != nil {
		return err
	}
	for _, v := range violations {
		fmt.Printf("violation: table=%s row=%d parent=%s\n", v.Table, v.RowID, v.Parent)
	}
	if len(violations) == 0 {
		fmt.Println("ok: no foreign key violations")
	}
	return nil
}
