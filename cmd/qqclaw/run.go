package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	daemon "github.com/sevlyar/go-daemon"

	"github.com/roelfdiedericks/qqclaw/internal/announce"
	"github.com/roelfdiedericks/qqclaw/internal/archive"
	"github.com/roelfdiedericks/qqclaw/internal/botapi"
	"github.com/roelfdiedericks/qqclaw/internal/config"
	"github.com/roelfdiedericks/qqclaw/internal/gateway"
	. "github.com/roelfdiedericks/qqclaw/internal/logging"
	"github.com/roelfdiedericks/qqclaw/internal/media"
	"github.com/roelfdiedericks/qqclaw/internal/paths"
	"github.com/roelfdiedericks/qqclaw/internal/quota"
	"github.com/roelfdiedericks/qqclaw/internal/router"
	"github.com/roelfdiedericks/qqclaw/internal/sender"
)

// RunCmd connects every configured account and serves until signalled.
type RunCmd struct {
	Daemon bool `help:"Detach and run in the background."`
}

func (r *RunCmd) Run(cli *CLI) error {
	cfg, err := setupConfig(cli)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if r.Daemon {
		dctx, child, err := daemonize(cfg)
		if err != nil {
			return err
		}
		if child != nil {
			fmt.Printf("qqclaw started, pid %d\n", child.Pid)
			return nil
		}
		defer dctx.Release()
	}

	return runGateway(cli, cfg)
}

// daemonize forks into the background. The parent gets the child
// process back; in the child it returns nil and execution continues.
func daemonize(cfg *config.Config) (*daemon.Context, *os.Process, error) {
	pidFile, err := paths.DataPath("qqclaw.pid")
	if err != nil {
		return nil, nil, err
	}
	logFile := cfg.Log.File
	if logFile == "" {
		if logFile, err = paths.DataPath("qqclaw.log"); err != nil {
			return nil, nil, err
		}
	}
	if err := paths.EnsureParentDir(pidFile); err != nil {
		return nil, nil, err
	}

	dctx := &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		LogFileName: logFile,
		LogFilePerm: 0640,
		Umask:       027,
	}
	child, err := dctx.Reborn()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to daemonize: %w", err)
	}
	return dctx, child, nil
}

// runGateway wires the shared stores, one connection per account, the
// announcer and the config watcher, then blocks on the supervisor.
func runGateway(cli *CLI, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	L_info("qqclaw %s starting", version)

	stateDir, err := paths.StateDir()
	if err != nil {
		return err
	}
	sessionFiles, err := gateway.NewFileRepository(stateDir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	sessions := gateway.NewThrottled(sessionFiles, 0)

	senderFiles, err := sender.NewFileRepository(stateDir)
	if err != nil {
		return fmt.Errorf("failed to open sender registry: %w", err)
	}
	senders := sender.NewThrottled(senderFiles, 0)

	var sink gateway.MediaSink
	store, err := media.NewMediaStore(cfg.Media)
	if err != nil {
		L_warn("media store unavailable, attachments degrade to text notes", "error", err)
	} else {
		store.Start()
		defer store.Close()
		sink = store
	}

	var arch *archive.Store
	if !cfg.Archive.Disabled {
		arch, err = archive.NewStore(cfg.Archive)
		if err != nil {
			L_warn("archive unavailable, traffic will not be recorded", "error", err)
		} else {
			defer arch.Close()
		}
	}

	tokens := botapi.NewTokenCache(cfg.API.TokenURL, cfg.API.Timeout())

	var conns []*gateway.Conn
	var primary *router.Router
	for _, acct := range cfg.Accounts {
		creds := botapi.Credentials{AppID: acct.AppID, ClientSecret: acct.ClientSecret}
		go tokens.StartRefresher(ctx, creds)

		api := botapi.NewClient(botapi.ClientConfig{
			BaseURL:        cfg.API.BaseURL,
			Timeout:        cfg.API.Timeout(),
			SendsPerSecond: cfg.API.SendsPerSecond,
			SendBurst:      cfg.API.SendBurst,
		}, tokens, creds)

		rt := router.New(api, quota.New(quota.DefaultLimit, quota.DefaultTTL), store)
		if primary == nil {
			primary = rt
		}

		resp := newResponder(rt, arch, acct.AppID, cfg.Reply)
		conn := gateway.NewConn(
			gateway.Config{AccountID: acct.AppID},
			api,
			sessions,
			gateway.NewNormalizer(acct.AppID, sink),
			sender.NewRegistry(acct.AppID, senders),
			gateway.Handlers{
				OnReady: func(meta gateway.ReadyMeta) {
					L_info("gateway: account ready", "account", meta.AccountID,
						"bot", meta.Username, "resumed", meta.Resumed)
				},
				Deliver: resp.Deliver,
			},
		)
		conns = append(conns, conn)
	}

	// Announcements go out through the first account.
	announcer := announce.New(&archivingSender{
		rt:      primary,
		arch:    arch,
		account: cfg.Accounts[0].AppID,
	}, cfg.Announce)
	announcer.Start(ctx)
	defer announcer.Stop()

	watchPath := cli.Config
	if watchPath == "" {
		watchPath, _ = paths.ConfigPath()
	}
	watcher, err := config.Watch(ctx, watchPath, func(next *config.Config) {
		if !cli.Verbose {
			SetLevel(ParseLevel(next.Log.Level))
		}
		announcer.Reload(next.Announce)
	})
	if err != nil {
		L_warn("config watcher unavailable, edits need a restart", "error", err)
	} else if watcher != nil {
		defer watcher.Stop()
	}

	err = gateway.NewSupervisor(conns...).Run(ctx)

	SetShuttingDown()
	sessions.Flush()
	senders.Flush()
	return err
}

// archivingSender records announcer deliveries in the archive on top of
// the plain router send.
type archivingSender struct {
	rt      *router.Router
	arch    *archive.Store
	account string
}

func (s *archivingSender) Send(ctx context.Context, dest router.Destination, content string) error {
	if err := s.rt.Send(ctx, dest, content); err != nil {
		return err
	}
	if s.arch != nil {
		err := s.arch.Append(ctx, archive.Record{
			Account:     s.account,
			Direction:   archive.DirectionOut,
			Kind:        dest.Kind,
			Destination: dest.String(),
			Content:     content,
		})
		if err != nil {
			L_warn("announce: archive append failed", "error", err)
		}
	}
	return nil
}
