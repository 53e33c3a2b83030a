package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/uuid"
)

func snapshotCreate(ctx context.Context, cc *commonConfig, args []string) error {
	fs := flag.NewFlagSet("snapshot create", flag.ExitOnError)
	name := fs.String("name", "", "snapshot name (defaults to a generated UUID)")
	desc := fs.String("description", "", "free-form description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: snapshot create <repo-id> [-name NAME] [-description TEXT]")
	}
	n := *name
	if n == "" {
		n = uuid.New().String()
	}
	snap, err := cc.snapshots.Create(ctx, fs.Arg(0), n, *desc)
	if err != nil {
		return err
	}
	fmt.Printf("created snapshot %s (%d packages, %d bytes)\n", snap.Name, snap.PackageCount, snap.TotalSizeBytes)
	return nil
}

func snapshotList(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: snapshot list <repo-id>")
	}
	snaps, err := cc.snapshots.List(ctx, args[0])
	if err != nil {
		return err
	}
	for _, s := range snaps {
		fmt.Printf("%s\t%s\t%d packages\t%d bytes\n", s.Name, s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), s.PackageCount, s.TotalSizeBytes)
	}
	return nil
}

func snapshotShow(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: snapshot show <repo-id> <name>")
	}
	s, err := cc.snapshots.Show(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("name: %s\ncreated: %s\npackages: %d\nbytes: %d\ndescription: %s\n", s.Name, s.CreatedAt, s.PackageCount, s.TotalSizeBytes, s.Description)
	return nil
}

func snapshotContentCmd(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: snapshot content <repo-id> <name>")
	}
	items, err := cc.snapshots.Content(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	for _, it := range items {
		purl, _ := it.Metadata["purl"].(string)
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", it.Name, it.Version, it.Arch, it.SHA256, purl)
	}
	return nil
}

func snapshotDiff(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: snapshot diff <repo-id> <a> <b>")
	}
	runtime, _, err := cc.repo(ctx, args[0])
	if err != nil {
		return err
	}
	diff, err := cc.snapshots.Diff(ctx, runtime, args[1], args[2])
	if err != nil {
		return err
	}
	for _, a := range diff.Added {
		fmt.Printf("+ %s %s (%s)\n", a.Name, a.Version, a.Arch)
	}
	for _, u := range diff.Updated {
		fmt.Printf("~ %s %s -> %s (%s)\n", u.Name, u.From, u.To, u.Arch)
	}
	for _, r := range diff.Removed {
		fmt.Printf("- %s %s (%s)\n", r.Name, r.Version, r.Arch)
	}
	return nil
}

func snapshotCopy(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: snapshot copy <repo-id> <src> <dst>")
	}
	snap, err := cc.snapshots.Copy(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	fmt.Printf("copied %s -> %s (%d packages)\n", args[1], snap.Name, snap.PackageCount)
	return nil
}

func snapshotDelete(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: snapshot delete <repo-id> <name>")
	}
	return cc.snapshots.Delete(ctx, args[0], args[1])
}
