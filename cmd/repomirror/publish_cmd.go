package main

import (
	"context"
	"flag"
	"fmt"
)

func publishRepo(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: publish repo <repo-id> <target-dir>")
	}
	runtime, _, err := cc.repo(ctx, args[0])
	if err != nil {
		return err
	}
	if err := cc.publisher.PublishRepository(ctx, runtime, args[1]); err != nil {
		return err
	}
	fmt.Printf("published %s -> %s\n", args[0], args[1])
	return nil
}

func publishSnapshotCmd(ctx context.Context, cc *commonConfig, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: publish snapshot <repo-id> <snapshot-name> <target-dir>")
	}
	runtime, _, err := cc.repo(ctx, args[0])
	if err != nil {
		return err
	}
	if err := cc.publisher.PublishSnapshot(ctx, runtime, args[1], args[2]); err != nil {
		return err
	}
	fmt.Printf("published snapshot %s/%s -> %s\n", args[0], args[1], args[2])
	return nil
}

func publishViewCmd(ctx context.Context, cc *commonConfig, args []string) error {
	fs := flag.NewFlagSet("publish view", flag.ExitOnError)
	snapName := fs.String("snapshot", "", "publish a view-snapshot by this name instead of the view's live members")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: publish view <view-name> <target-dir> [-snapshot NAME]")
	}
	v, ok := cc.view(fs.Arg(0))
	if !ok {
		return fmt.Errorf("unknown view %q", fs.Arg(0))
	}
	target := fs.Arg(1)
	if len(v.Repos) == 0 {
		return fmt.Errorf("view %q has no members", v.Name)
	}

	if *snapName != "" {
		ct, ok := cc.cfg.RepositoryType(v.Repos[0])
		if !ok {
			return fmt.Errorf("view %q: unknown member %q", v.Name, v.Repos[0])
		}
		if err := cc.publisher.PublishViewSnapshot(ctx, ct, v.Name, *snapName, target); err != nil {
			return err
		}
		fmt.Printf("published view-snapshot %s/%s -> %s\n", v.Name, *snapName, target)
		return nil
	}

	rv, err := cc.runtimeView(v)
	if err != nil {
		return err
	}
	if err := cc.publisher.PublishView(ctx, rv, target); err != nil {
		return err
	}
	fmt.Printf("published view %s -> %s\n", v.Name, target)
	return nil
}
