package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/roelfdiedericks/qqclaw/internal/archive"
	"github.com/roelfdiedericks/qqclaw/internal/botapi"
	"github.com/roelfdiedericks/qqclaw/internal/config"
	"github.com/roelfdiedericks/qqclaw/internal/media"
	"github.com/roelfdiedericks/qqclaw/internal/quota"
	"github.com/roelfdiedericks/qqclaw/internal/router"
)

// SendCmd delivers one proactive message from the command line.
type SendCmd struct {
	Target  string   `arg:"" help:"Destination as kind:id (c2c:<openid>, group:<openid>, channel:<id> or dm:<guild_id>)."`
	Message []string `arg:"" optional:"" help:"Message text. Inline {{media:...}} refs and markdown images upload as attachments."`
	Account string   `help:"Account appId to send from. Defaults to the first configured."`
	Voice   string   `type:"existingfile" help:"Send this audio file (wav, ogg/opus or silk) as a voice message instead of text."`
}

func (s *SendCmd) Run(cli *CLI) error {
	cfg, err := setupConfig(cli)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dest, err := router.ParseDestination(s.Target)
	if err != nil {
		return err
	}
	acct, err := pickAccount(cfg, s.Account)
	if err != nil {
		return err
	}

	content := strings.TrimSpace(strings.Join(s.Message, " "))
	if s.Voice == "" && content == "" {
		return errors.New("nothing to send: give message text or --voice")
	}
	if s.Voice != "" && content != "" {
		return errors.New("give message text or --voice, not both")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := botapi.NewTokenCache(cfg.API.TokenURL, cfg.API.Timeout())
	api := botapi.NewClient(botapi.ClientConfig{
		BaseURL:        cfg.API.BaseURL,
		Timeout:        cfg.API.Timeout(),
		SendsPerSecond: cfg.API.SendsPerSecond,
		SendBurst:      cfg.API.SendBurst,
	}, tokens, botapi.Credentials{AppID: acct.AppID, ClientSecret: acct.ClientSecret})

	store, err := media.NewMediaStore(cfg.Media)
	if err != nil {
		store = nil
	}
	rt := router.New(api, quota.New(quota.DefaultLimit, quota.DefaultTTL), store)

	if s.Voice != "" {
		audio, err := os.ReadFile(s.Voice)
		if err != nil {
			return err
		}
		if err := rt.SendVoice(ctx, dest, audio); err != nil {
			return err
		}
		recordSend(ctx, cfg, acct.AppID, dest, "[voice] "+s.Voice)
		fmt.Printf("voice sent to %s\n", dest.String())
		return nil
	}

	if err := rt.Send(ctx, dest, content); err != nil {
		return err
	}
	recordSend(ctx, cfg, acct.AppID, dest, content)
	fmt.Printf("sent to %s\n", dest.String())
	return nil
}

// pickAccount resolves the sending account by appId.
func pickAccount(cfg *config.Config, appID string) (config.AccountConfig, error) {
	if appID == "" {
		return cfg.Accounts[0], nil
	}
	for _, acct := range cfg.Accounts {
		if acct.AppID == appID {
			return acct, nil
		}
	}
	return config.AccountConfig{}, fmt.Errorf("no account with appId %q in config", appID)
}

// recordSend archives a one-shot CLI send, best effort.
func recordSend(ctx context.Context, cfg *config.Config, account string, dest router.Destination, content string) {
	if cfg.Archive.Disabled {
		return
	}
	arch, err := archive.NewStore(cfg.Archive)
	if err != nil {
		return
	}
	defer arch.Close()
	_ = arch.Append(ctx, archive.Record{
		Account:     account,
		Direction:   archive.DirectionOut,
		Kind:        dest.Kind,
		Destination: dest.String(),
		Content:     content,
	})
}
