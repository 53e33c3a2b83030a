package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/repomirror/repomirror/sync"
)

func repositoryList(ctx context.Context, cc *commonConfig, args []string) error {
	repos, err := cc.store.ListRepositories(ctx)
	if err != nil {
		return err
	}
	for _, r := range repos {
		last := "never"
		if r.LastSyncAt != nil {
			last = r.LastSyncAt.Format("2006-01-02T15:04:05Z07:00")
		}
		fmt.Printf("%s\t%s\t%s\tlast_sync=%s\n", r.ID, r.Type, r.Mode, last)
	}
	return nil
}

func repositoryShow(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: repository show <id>")
	}
	runtime, cfg, err := cc.repo(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("id: %s\ntype: %s\nmode: %s\nfeed: %s\nenabled: %v\n", runtime.ID, runtime.Type, runtime.Mode, runtime.FeedURL, cfg.IsEnabled())
	return nil
}

func repositorySync(ctx context.Context, cc *commonConfig, args []string) error {
	fs := flag.NewFlagSet("repository sync", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: repository sync <id>")
	}
	runtime, cfg, err := cc.repo(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	rc := sync.RepoConfig{
		Repository: runtime, Filters: cfg.Filters,
		Retention: cfg.Retention.Policy, KeepLastN: cfg.Retention.KeepLastN,
		DeletedPackagesKeep: cfg.Retention.DeletedPackagesKeep,
	}
	run, err := cc.engine.SyncRepository(ctx, rc)
	fmt.Printf("status=%s downloaded=%d skipped=%d failed=%d bytes=%d\n", run.Status, run.Downloaded, run.Skipped, run.Failed, run.BytesTransfer)
	return err
}

func repositoryCheckUpdates(ctx context.Context, cc *commonConfig, args []string) error {
	fs := flag.NewFlagSet("repository check-updates", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: repository check-updates <id>")
	}
	runtime, cfg, err := cc.repo(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	diff, err := cc.engine.CheckUpdates(ctx, sync.RepoConfig{Repository: runtime, Filters: cfg.Filters})
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

func repositoryHistory(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: repository history <id>")
	}
	runs, err := cc.store.ListSyncRuns(ctx, args[0])
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%d\t%s\t%s\tdownloaded=%d skipped=%d failed=%d\n", r.ID, r.StartedAt.Format("2006-01-02T15:04:05Z07:00"), r.Status, r.Downloaded, r.Skipped, r.Failed)
	}
	return nil
}
