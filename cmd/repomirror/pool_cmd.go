package main

import (
	"context"
	"fmt"
)

func poolStats(ctx context.Context, cc *commonConfig, args []string) error {
	s, err := cc.pool.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("content: %d files, %d bytes\nfiles:   %d files, %d bytes\n", s.ContentFiles, s.ContentBytes, s.RepoFiles, s.RepoBytes)
	return nil
}

func poolVerify(ctx context.Context, cc *commonConfig, args []string) error {
	mismatches, err := cc.pool.Verify()
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		fmt.Printf("MISMATCH %s: expected %s, got %s\n", m.Path, m.Expected, m.Actual)
	}
	if len(mismatches) == 0 {
		fmt.Println("ok: no mismatches")
	}
	return nil
}

func poolCleanup(ctx context.Context, cc *commonConfig, args []string) error {
	result, err := cc.pool.Cleanup(func(sha256Hex string) (bool, error) {
		return cc.store.ReferencedSHA256(ctx, sha256Hex)
	})
	if err != nil {
		return err
	}
	fmt.Printf("removed %d files, %d bytes reclaimed\n", result.Removed, result.RemovedBytes)
	return nil
}
