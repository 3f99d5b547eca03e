package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modoterra/sractl/pkg/core"
	"github.com/modoterra/sractl/pkg/logsink"
	"github.com/modoterra/sractl/pkg/transport/uds"
)

var (
	logsJSON   bool
	logsFollow bool
	logsFile   string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print worker log records",
	Long: "Without --file the daemon's in-memory buffer is printed. With --file a session " +
		"log file is replayed instead, and no daemon is needed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		if logsFile != "" {
			return replayFile(ctx, out, logsFile)
		}
		return streamDaemon(ctx, out)
	},
}

var logCmd = &cobra.Command{
	Use:   "log <level> <text...>",
	Short: "Append a frontend record to the worker log",
	Long:  "Levels: trace, debug, info, warn, error, success, message. Unknown levels are recorded as info.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		req := uds.LogAppendRequest{
			Source: string(core.SourceFrontend),
			Level:  args[0],
			Text:   strings.Join(args[1:], " "),
		}
		return call(2*time.Second, uds.MethodLogAppend, req, nil)
	},
}

func init() {
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "output one JSON record per line")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new records")
	logsCmd.Flags().StringVar(&logsFile, "file", "", "read a session log file instead of the daemon")
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(logCmd)
}

func printEntry(w io.Writer, e core.LogEntry) error {
	if logsJSON {
		return json.NewEncoder(w).Encode(e)
	}
	_, err := io.WriteString(w, logsink.FormatLine(e))
	return err
}

func replayFile(ctx context.Context, w io.Writer, path string) error {
	entries, err := logsink.ReadLogFile(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := printEntry(w, e); err != nil {
			return err
		}
	}
	if !logsFollow {
		return nil
	}

	ch, err := logsink.TailLogFile(ctx, path)
	if err != nil {
		return err
	}
	for e := range ch {
		if err := printEntry(w, e); err != nil {
			return err
		}
	}
	return nil
}

func streamDaemon(ctx context.Context, w io.Writer) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	// Subscribe before the snapshot so nothing falls between the two. Events that
	// duplicate snapshot entries are dropped.
	live := make(chan core.LogEntry, 256)
	if logsFollow {
		client.OnEvent(func(msg uds.Message) {
			if msg.Method != uds.EventLogsEntry {
				return
			}
			var e core.LogEntry
			if msg.UnmarshalData(&e) != nil {
				return
			}
			select {
			case live <- e:
			default:
			}
		})
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	var entries []core.LogEntry
	err = client.Call(reqCtx, uds.MethodLogsSnapshot, nil, &entries)
	cancel()
	if err != nil {
		return err
	}

	var last time.Time
	for _, e := range entries {
		if err := printEntry(w, e); err != nil {
			return err
		}
		last = e.Timestamp
	}
	if !logsFollow {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return fmt.Errorf("daemon connection closed")
		case e := <-live:
			if !e.Timestamp.After(last) && containsEntry(entries, e) {
				continue
			}
			if err := printEntry(w, e); err != nil {
				return err
			}
		}
	}
}

func containsEntry(entries []core.LogEntry, e core.LogEntry) bool {
	for i := len(entries) - 1; i >= 0; i-- {
		x := entries[i]
		if x.Timestamp.Equal(e.Timestamp) && x.Text == e.Text && x.Level == e.Level {
			return true
		}
	}
	return false
}
