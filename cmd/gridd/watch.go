package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gridbase/internal/events"
	"github.com/alfredjeanlab/gridbase/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Print change batches as they are published",
	GroupID: "server",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		table, _ := cmd.Flags().GetString("table")
		natsURL, _ := cmd.Flags().GetString("nats-url")
		if natsURL == "" {
			natsURL = os.Getenv("GRIDBASE_NATS_URL")
		}
		if natsURL == "" {
			return fmt.Errorf("--nats-url or GRIDBASE_NATS_URL is required")
		}
		if !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return watchNATS(ctx, natsURL, topic, table, cmd.OutOrStdout())
	},
}

// watchNATS prints every batch received on topic until ctx is done. When
// table is set, batches that did not touch it are skipped.
func watchNATS(ctx context.Context, natsURL, topic, table string, w io.Writer) error {
	sub, err := events.NewNATSSubscriber(natsURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("nats: reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer sub.Close()

	return watchSubscriber(ctx, sub, topic, table, w)
}

func watchSubscriber(ctx context.Context, sub events.Subscriber, topic, table string, w io.Writer) error {
	ch, cancel, err := sub.Subscribe(topic)
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			batch, err := events.DecodeBatch(data)
			if err != nil || batch.OperationID == "" {
				// Schema updates carry no operation id.
				continue
			}
			if table != "" && !batch.Touches(table) {
				continue
			}
			if jsonOutput {
				out, _ := json.Marshal(batch)
				fmt.Fprintln(w, string(out))
				continue
			}
			fmt.Fprintln(w, formatBatch(batch, time.Now()))
		}
	}
}

// formatBatch renders one batch as a single summary line.
func formatBatch(b *events.ChangeBatch, at time.Time) string {
	var sb strings.Builder
	sb.WriteString(ui.RenderMuted(at.Format("15:04:05")))
	sb.WriteByte(' ')
	sb.WriteString(ui.RenderAccent(b.TableID))
	fmt.Fprintf(&sb, " %d records, %d changes", len(b.RecordIDs), len(b.Changes))
	if len(b.Tables) > 1 {
		fmt.Fprintf(&sb, " across %s", strings.Join(b.Tables, ","))
	}
	if b.Actor != "" {
		fmt.Fprintf(&sb, " by %s", b.Actor)
	}
	sb.WriteByte(' ')
	sb.WriteString(ui.RenderCommand(b.OperationID))
	return sb.String()
}

func init() {
	watchCmd.Flags().String("topic", events.TopicAll, "NATS subject to subscribe to")
	watchCmd.Flags().String("table", "", "only show batches touching this table")
	watchCmd.Flags().String("nats-url", "", "NATS server URL (default GRIDBASE_NATS_URL)")
}
