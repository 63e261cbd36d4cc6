package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lamrim/internal/localstore"
	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
	"github.com/MarcoPoloResearchLab/lamrim/internal/progress"
	"github.com/MarcoPoloResearchLab/lamrim/internal/syncer"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print progress and notes changes as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, a, cmd.OutOrStdout())
		},
	}
}

func runWatch(ctx context.Context, a *app, out io.Writer) error {
	total := a.progress().TotalCount()
	events := make(chan string, 16)
	emit := func(line string) {
		select {
		case events <- line:
		case <-ctx.Done():
		}
	}

	cancelProgress := a.progress().OnChange(func(snapshot progress.Snapshot) {
		emit("progress: " + snapshotSummary(snapshot, total))
	})
	defer cancelProgress()
	cancelNotes := a.notes().OnChange(func(list []notes.Note) {
		emit(fmt.Sprintf("notes: %d notes", len(list)))
	})
	defer cancelNotes()
	cancelProgressMode := a.progress().OnModeChange(func(mode syncer.Mode) {
		emit("progress sync: " + mode.String())
	})
	defer cancelProgressMode()
	cancelNotesMode := a.notes().OnModeChange(func(mode syncer.Mode) {
		emit("notes sync: " + mode.String())
	})
	defer cancelNotesMode()

	a.start(ctx)
	fmt.Fprintf(out, "watching (progress %s, notes %s)\n", a.progress().Mode(), a.notes().Mode())

	if a.files != nil {
		go func() {
			err := a.files.Watch(ctx, func(key string) {
				emit("local file changed: " + describeKey(a.files, key, total))
			})
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("local store watch stopped", zap.Error(err))
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-events:
			fmt.Fprintln(out, line)
		}
	}
}

func describeKey(store localstore.Store, key string, total int) string {
	data, ok, err := store.Read(key)
	if err != nil {
		return fmt.Sprintf("%s (unreadable: %v)", key, err)
	}
	if !ok {
		return key + " (removed)"
	}
	switch key {
	case localstore.KeyProgress:
		snapshot, err := progress.DecodeSnapshot(data)
		if err != nil {
			return key + " (invalid)"
		}
		return fmt.Sprintf("%s (%s)", key, snapshotSummary(snapshot, total))
	case localstore.KeyNotes:
		collection, err := notes.DecodeCollection(data)
		if err != nil {
			return key + " (invalid)"
		}
		return fmt.Sprintf("%s (%d notes)", key, len(collection))
	default:
		return key
	}
}
