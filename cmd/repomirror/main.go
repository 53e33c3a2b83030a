// Command repomirror is the operator-facing CLI for the offline package
// repository mirror: it loads a YAML configuration document and dispatches
// to the repository/snapshot/view/publish/pool/database subcommand groups.
//
// Grounded on cctool's flag.NewFlagSet + hand-rolled switch dispatch idiom
// (no cobra/urfave-cli in the corpus for a tool this shape), scaled from
// cctool's single flat command to two levels ("repomirror repository
// sync ..."), which is the only structural change from the teacher's
// pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/repomirror/repomirror/config"
	"github.com/repomirror/repomirror/fetcher"
	"github.com/repomirror/repomirror/format"
	"github.com/repomirror/repomirror/format/apk"
	"github.com/repomirror/repomirror/format/deb"
	"github.com/repomirror/repomirror/format/helm"
	"github.com/repomirror/repomirror/format/rpm"
	"github.com/repomirror/repomirror/pool"
	"github.com/repomirror/repomirror/publish"
	"github.com/repomirror/repomirror/snapshot"
	"github.com/repomirror/repomirror/store"
	"github.com/repomirror/repomirror/sync"

	"github.com/repomirror/repomirror"
)

// commonConfig bundles the loaded configuration and every collaborator
// built from it, so subcommands never re-parse or re-open anything.
type commonConfig struct {
	path string
	cfg  config.Config

	store   *store.Store
	pool    *pool.Pool
	fetcher *fetcher.Client

	registry  format.Registry
	engine    *sync.Engine
	snapshots *snapshot.Manager
	publisher *publish.Publisher
}

// registryFor builds a format.Registry. The rpm/helm/apk plugins carry no
// per-repository state. The registry holds a single DEB plugin, wired with
// the distribution/components/architectures of the apt: block of the first
// DEB repository in repos; every DEB repository is synced and published
// with those settings, and the apt: blocks of later DEB repositories are
// not read.
func registryFor(repos []config.Repository) format.Registry {
	reg := make(format.Registry, 4)
	reg[repomirror.RPM] = rpm.Plugin{}
	reg[repomirror.Helm] = helm.Plugin{}
	reg[repomirror.APK] = apk.Plugin{}
	for _, r := range repos {
		if r.Type == repomirror.DEB {
			reg[repomirror.DEB] = deb.Plugin{
				Dist:          r.APT.Distribution,
				Components:    r.APT.Components,
				Architectures: r.APT.Architectures,
			}
			break
		}
	}
	if _, ok := reg[repomirror.DEB]; !ok {
		reg[repomirror.DEB] = deb.Plugin{}
	}
	return reg
}

// load parses and validates the configuration at path, then opens every
// collaborator a subcommand might need. Every subcommand, `database init`
// included, runs only after all of this succeeds.
func load(ctx context.Context, path string) (*commonConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	pl, err := pool.Open(cfg.Storage.Pool())
	if err != nil {
		st.Close()
		return nil, err
	}

	cl, err := fetcher.New(fetcher.Config{
		ProxyURL:      cfg.Proxy.HTTPProxy,
		CACertPath:    cfg.SSL.CABundle,
		ClientCert:    cfg.SSL.ClientCert,
		ClientKey:     cfg.SSL.ClientKey,
		InsecureSkip:  cfg.SSL.InsecureSkip(),
		Timeout:       cfg.Download.Timeout,
		RetryAttempts: cfg.Download.RetryAttempts,
	}, cfg.Storage.Tmp())
	if err != nil {
		st.Close()
		return nil, err
	}

	reg := registryFor(cfg.Repositories)
	cc := &commonConfig{
		path: path, cfg: cfg,
		store: st, pool: pl, fetcher: cl,
		registry:  reg,
		engine:    sync.New(st, pl, cl, reg, sync.Config{DownloadParallel: cfg.Download.Parallel}),
		snapshots: snapshot.New(st, reg),
		publisher: publish.New(st, pl, reg),
	}
	return cc, nil
}

func (cc *commonConfig) close() {
	if cc.store != nil {
		cc.store.Close()
	}
}

// repo resolves a configured repository by id, returning both the runtime
// repomirror.Repository row (for Type/Mode) and its config.Repository (for
// Filters/Retention), which the sync and publish packages need separately.
func (cc *commonConfig) repo(ctx context.Context, id string) (repomirror.Repository, config.Repository, error) {
	for _, r := range cc.cfg.Repositories {
		if r.ID == id {
			runtime, err := cc.store.GetRepository(ctx, id)
			if err != nil {
				// Not yet synced: synthesize from configuration so `publish`
				// and `snapshot` on a never-synced repository get its
				// configured type and mode instead of this lookup's ErrNoRows.
				runtime = repomirror.Repository{ID: r.ID, Name: r.ID, Type: r.Type, FeedURL: r.Feed, Enabled: r.IsEnabled(), Mode: r.Mode}
			}
			return runtime, r, nil
		}
	}
	return repomirror.Repository{}, config.Repository{}, &repomirror.Error{Op: "repomirror", Kind: repomirror.ErrConfigInvalid, Message: fmt.Sprintf("unknown repository %q", id)}
}

func (cc *commonConfig) view(name string) (config.View, bool) {
	for _, v := range cc.cfg.Views {
		if v.Name == name {
			return v, true
		}
	}
	return config.View{}, false
}

// runtimeView resolves a config.View into the repomirror.View the publish
// package expects, looking up the member repositories' shared content type.
func (cc *commonConfig) runtimeView(v config.View) (repomirror.View, error) {
	if len(v.Repos) == 0 {
		return repomirror.View{}, &repomirror.Error{Op: "repomirror", Kind: repomirror.ErrConfigInvalid, Message: fmt.Sprintf("view %q has no members", v.Name)}
	}
	ct, ok := cc.cfg.RepositoryType(v.Repos[0])
	if !ok {
		return repomirror.View{}, &repomirror.Error{Op: "repomirror", Kind: repomirror.ErrConfigInvalid, Message: fmt.Sprintf("view %q: unknown member %q", v.Name, v.Repos[0])}
	}
	return repomirror.View{Name: v.Name, Description: v.Description, RepoType: ct, Repositories: v.Repos}, nil
}

type subcmd func(context.Context, *commonConfig, []string) error

var groups = map[string]map[string]subcmd{
	"repository": {
		"list":          repositoryList,
		"show":          repositoryShow,
		"sync":          repositorySync,
		"check-updates": repositoryCheckUpdates,
		"history":       repositoryHistory,
	},
	"snapshot": {
		"create":  snapshotCreate,
		"list":    snapshotList,
		"show":    snapshotShow,
		"diff":    snapshotDiff,
		"copy":    snapshotCopy,
		"delete":  snapshotDelete,
		"content": snapshotContentCmd,
	},
	"view": {
		"list":            viewList,
		"show":            viewShow,
		"snapshot-create": viewSnapshotCreate,
	},
	"publish": {
		"repo":     publishRepo,
		"snapshot": publishSnapshotCmd,
		"view":     publishViewCmd,
	},
	"pool": {
		"stats":   poolStats,
		"verify":  poolVerify,
		"cleanup": poolCleanup,
	},
	"database": {
		"init":    databaseInit,
		"upgrade": databaseUpgrade,
		"current": databaseCurrent,
		"history": databaseHistory,
		"status":  databaseStatus,
		"stats":   databaseStats,
		"verify":  databaseVerify,
	},
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage: %s -c <config.yaml> <group> <command> [args...]\n\n", os.Args[0])
		fs.PrintDefaults()
		fmt.Fprintln(out, "\nGroups and commands:")
		for g, cmds := range groups {
			fmt.Fprintf(out, "  %s:", g)
			for name := range cmds {
				fmt.Fprintf(out, " %s", name)
			}
			fmt.Fprintln(out)
		}
	}
}

func main() {
	var exit int
	defer func() {
		if exit != 0 {
			os.Exit(exit)
		}
	}()

	ctx, done := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		<-ch
		done()
	}()

	fs := flag.NewFlagSet("repomirror", flag.ExitOnError)
	fs.Usage = usage(fs)
	path := fs.String("c", "repomirror.yaml", "path to the repomirror configuration file")
	verbose := fs.Bool("v", false, "enable debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if fs.NArg() < 2 {
		fs.Usage()
		os.Exit(99)
	}
	group, action := fs.Arg(0), fs.Arg(1)

	cmds, ok := groups[group]
	if !ok {
		fs.Usage()
		fmt.Fprintf(os.Stderr, "\nunknown command group %q\n", group)
		os.Exit(99)
	}
	cmd, ok := cmds[action]
	if !ok {
		fs.Usage()
		fmt.Fprintf(os.Stderr, "\nunknown command %q %q\n", group, action)
		os.Exit(99)
	}

	cc, err := load(ctx, *path)
	if err != nil {
		log.Print(err)
		os.Exit(2)
	}
	defer cc.close()

	var cmdErr error
	cmdctx, cmddone := context.WithCancel(ctx)
	go func() {
		defer cmddone()
		cmdErr = cmd(cmdctx, cc, fs.Args()[2:])
	}()

	select {
	case <-ctx.Done():
		log.Print(ctx.Err())
		exit = 1
	case <-cmdctx.Done():
		if cmdErr != nil {
			log.Print(cmdErr)
			exit = 2
		}
	}
}
