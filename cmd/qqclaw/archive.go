package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/qqclaw/internal/archive"
)

// ArchiveCmd groups the archive maintenance commands.
type ArchiveCmd struct {
	List  ArchiveListCmd  `cmd:"" help:"List archived messages, newest first."`
	Stats ArchiveStatsCmd `cmd:"" help:"Show archive totals."`
	Prune ArchivePruneCmd `cmd:"" help:"Delete records older than a duration."`
}

// ArchiveListCmd prints matching records.
type ArchiveListCmd struct {
	Account   string        `help:"Filter by account appId."`
	Direction string        `help:"Filter by direction (in or out)."`
	Kind      string        `help:"Filter by kind (c2c, group, channel or dm)."`
	MessageID string        `help:"Filter by inbound message id."`
	Since     time.Duration `help:"Only records newer than this, e.g. 24h."`
	Limit     int           `default:"50" help:"Maximum rows."`
}

func (a *ArchiveListCmd) Run(cli *CLI) error {
	cfg, err := setupConfig(cli)
	if err != nil {
		return err
	}
	store, err := archive.NewStore(cfg.Archive)
	if err != nil {
		return err
	}
	defer store.Close()

	q := archive.Query{
		Account:   a.Account,
		Direction: a.Direction,
		Kind:      a.Kind,
		MessageID: a.MessageID,
		Limit:     a.Limit,
	}
	if a.Since > 0 {
		q.Since = time.Now().Add(-a.Since)
	}

	records, err := store.List(context.Background(), q)
	if err != nil {
		return err
	}
	for _, rec := range records {
		who := rec.SenderID
		if rec.Direction == archive.DirectionOut {
			who = rec.Destination
		}
		fmt.Printf("%s  %-3s %-7s %-12s %-20s %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.Direction, rec.Kind, rec.Account, who, oneLine(rec.Content))
	}
	fmt.Printf("%d records\n", len(records))
	return nil
}

// ArchiveStatsCmd prints archive totals.
type ArchiveStatsCmd struct{}

func (ArchiveStatsCmd) Run(cli *CLI) error {
	cfg, err := setupConfig(cli)
	if err != nil {
		return err
	}
	store, err := archive.NewStore(cfg.Archive)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", store.Path())
	fmt.Printf("%d records (%d in, %d out) across %d accounts\n",
		st.Total, st.Inbound, st.Outbound, st.Accounts)
	return nil
}

// ArchivePruneCmd deletes old records.
type ArchivePruneCmd struct {
	OlderThan time.Duration `arg:"" help:"Delete records older than this, e.g. 720h for 30 days."`
}

func (p *ArchivePruneCmd) Run(cli *CLI) error {
	if p.OlderThan <= 0 {
		return errors.New("duration must be positive")
	}
	cfg, err := setupConfig(cli)
	if err != nil {
		return err
	}
	store, err := archive.NewStore(cfg.Archive)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(context.Background(), time.Now().Add(-p.OlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d records\n", n)
	return nil
}

// oneLine flattens record content for the listing.
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > 80 {
		s = string(runes[:77]) + "..."
	}
	return s
}
