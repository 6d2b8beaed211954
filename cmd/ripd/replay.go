package main

import (
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/pkg/events"
)

func replayCmd() *cobra.Command {
	var dataDir, stream, id string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Dump one partition's events as a column-aligned table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(dataDir, stream, id)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "authority data directory")
	cmd.Flags().StringVar(&stream, "stream", "", "stream kind: session | task | continuity")
	cmd.Flags().StringVar(&id, "id", "", "stream id within that partition")
	cmd.MarkFlagRequired("data-dir")
	cmd.MarkFlagRequired("stream")
	cmd.MarkFlagRequired("id")
	return cmd
}

func runReplay(dataDir, stream, id string) error {
	log, err := eventlog.Open(dataDir)
	if err != nil {
		return fmt.Errorf("ripd: open event log: %w", err)
	}
	defer log.Close()

	part := events.Partition{Kind: events.StreamKind(stream), ID: id}
	evs, err := log.ReplayStream(part)
	if err != nil {
		return fmt.Errorf("ripd: replay stream: %w", err)
	}
	if len(evs) == 0 {
		fmt.Println("(no events)")
		return nil
	}

	seqCol, timeCol, kindCol := widthOf("SEQ"), widthOf("TIME"), widthOf("KIND")
	for _, ev := range evs {
		seqCol = maxWidth(seqCol, widthOf(fmt.Sprintf("%d", ev.Seq)))
		timeCol = maxWidth(timeCol, widthOf(formatTime(ev.TimestampMs)))
		kindCol = maxWidth(kindCol, widthOf(ev.Kind))
	}

	printRow(seqCol, timeCol, kindCol, "SEQ", "TIME", "KIND", "DATA")
	for _, ev := range evs {
		printRow(seqCol, timeCol, kindCol, fmt.Sprintf("%d", ev.Seq), formatTime(ev.TimestampMs), ev.Kind, string(ev.Data))
	}
	return nil
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).Format("15:04:05.000")
}

func widthOf(s string) int { return runewidth.StringWidth(s) }

func maxWidth(a, b int) int {
	if b > a {
		return b
	}
	return a
}

func printRow(seqCol, timeCol, kindCol int, seq, ts, kind, data string) {
	fmt.Printf("%s  %s  %s  %s\n",
		runewidth.FillRight(seq, seqCol),
		runewidth.FillRight(ts, timeCol),
		runewidth.FillRight(kind, kindCol),
		data,
	)
}
