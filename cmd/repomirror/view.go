package main

import (
	"context"
	"flag"
	"fmt"
)

func viewList(ctx context.Context, cc *commonConfig, args []string) error {
	for _, v := range cc.cfg.Views {
		fmt.Printf("%s\t%d members\n", v.Name, len(v.Repos))
	}
	return nil
}

func viewShow(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: view show <name>")
	}
	v, ok := cc.view(args[0])
	if !ok {
		return fmt.Errorf("unknown view %q", args[0])
	}
	fmt.Printf("name: %s\ndescription: %s\nmembers:\n", v.Name, v.Description)
	for _, id := range v.Repos {
		fmt.Printf("  %s\n", id)
	}
	return nil
}

// viewSnapshotCreate implements spec §4.7's CreateViewSnapshot: it creates a
// Snapshot named -name for every member repository of the view, bundled
// into one ViewSnapshot record in a single transaction.
func viewSnapshotCreate(ctx context.Context, cc *commonConfig, args []string) error {
	fs := flag.NewFlagSet("view snapshot-create", flag.ExitOnError)
	desc := fs.String("description", "", "free-form description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: view snapshot-create <view-name> <snapshot-name> [-description TEXT]")
	}
	v, ok := cc.view(fs.Arg(0))
	if !ok {
		return fmt.Errorf("unknown view %q", fs.Arg(0))
	}
	if len(v.Repos) == 0 {
		return fmt.Errorf("view %q has no members", v.Name)
	}
	vs, err := cc.snapshots.CreateView(ctx, v.Name, fs.Arg(1), *desc, v.Repos)
	if err != nil {
		return err
	}
	fmt.Printf("created view-snapshot %s/%s (%d packages, %d bytes, %d members)\n",
		vs.ViewName, vs.Name, vs.PackageCount, vs.TotalSizeBytes, len(vs.SnapshotIDs))
	return nil
}
