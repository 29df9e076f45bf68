package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"wsdrop/discovery"
	"wsdrop/storage"
)

func (a *app) historyCommand(args []string) error {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	limit := fs.IntP("limit", "n", 20, "number of transfers to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, _, err := storage.Open(a.dataDir)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	records, err := store.ListTransfers(*limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.out, "no transfers yet")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UPDATED\tDIRECTION\tPEER\tFILE\tSIZE\tSTATUS\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(r.UpdatedAt).Format("2006-01-02 15:04"),
			r.Direction, r.Peer, r.Filename, formatBytes(r.Total), r.Status, r.Error)
	}
	return tw.Flush()
}

func (a *app) discoverCommand(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("discover", pflag.ContinueOnError)
	timeout := fs.Duration("timeout", discovery.DefaultScanTimeout, "how long to listen for relays")
	if err := fs.Parse(args); err != nil {
		return err
	}

	relays, err := discovery.Browse(ctx, discovery.Config{
		Service:     a.cfg.MDNSService,
		ScanTimeout: *timeout,
	})
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		fmt.Fprintln(a.out, "no relays found")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tCHUNK\tMAX FILE")
	for _, r := range relays {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.URL(), formatBytes(uint64(r.ChunkSize)), formatBytes(r.MaxFileSize))
	}
	return tw.Flush()
}

// formatBytes renders n with a binary unit, e.g. "1.5 MiB".
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
