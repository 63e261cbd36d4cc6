package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
	"github.com/MarcoPoloResearchLab/lamrim/internal/progress"
	"github.com/MarcoPoloResearchLab/lamrim/internal/settings"
	"github.com/MarcoPoloResearchLab/lamrim/internal/syncer"
)

const flushTimeout = 30 * time.Second

// withApp opens the reader, applies the identity, runs fn and waits for
// queued remote writes.
func withApp(cmd *cobra.Command, fn func(a *app, out io.Writer) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	a.start(ctx)
	if err := fn(a, cmd.OutOrStdout()); err != nil {
		return err
	}
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	return a.finish(flushCtx)
}

func newProgressCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show or change reading progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, printProgress)
		},
	}

	mutation := func(use, short string, apply func(p *syncer.ProgressSync, sectionID string) (bool, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <section-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app, out io.Writer) error {
					changed, err := apply(a.progress(), args[0])
					if err != nil {
						return err
					}
					if !changed {
						fmt.Fprintln(out, "unchanged")
						return nil
					}
					return printProgress(a, out)
				})
			},
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show progress per section",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, printProgress)
			},
		},
		mutation("complete", "Mark a section completed", (*syncer.ProgressSync).MarkCompleted),
		mutation("unread", "Mark a section unread", (*syncer.ProgressSync).MarkUnread),
		mutation("bookmark", "Toggle the bookmark of a section", (*syncer.ProgressSync).ToggleBookmark),
		&cobra.Command{
			Use:   "reset",
			Short: "Clear all progress and bookmarks",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app, out io.Writer) error {
					if _, err := a.progress().ResetAll(); err != nil {
						return err
					}
					return printProgress(a, out)
				})
			},
		},
	)
	return cmd
}

func printProgress(a *app, out io.Writer) error {
	sync := a.progress()
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, volume := range a.contents.Volumes() {
		fmt.Fprintf(writer, "%s\t%s\t\t\n", volume.ID, volume.Title)
		for _, section := range volume.Sections {
			marker := " "
			if sync.IsBookmarked(section.ID) {
				marker = "*"
			}
			fmt.Fprintf(writer, "  %s %s\t%s\t%s\n", marker, section.ID, section.Title, sync.Status(section.ID))
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d/%d completed, %d bookmarked, %s\n",
		sync.CompletedCount(), sync.TotalCount(), len(sync.Bookmarks()), sync.Mode())
	return nil
}

func newNotesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "List or edit section notes",
	}

	var sectionID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List notes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app, out io.Writer) error {
				listed := a.notes().List()
				if sectionID != "" {
					listed = a.notes().ListBySection(sectionID)
				}
				printNotes(out, listed)
				return nil
			})
		},
	}
	list.Flags().StringVar(&sectionID, "section", "", "Only notes of this section")

	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "add <section-id> <text>...",
			Short: "Attach a note to a section",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app, out io.Writer) error {
					note, err := a.notes().Add(args[0], strings.Join(args[1:], " "))
					if err != nil {
						return err
					}
					fmt.Fprintln(out, note.ID)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "edit <note-id> <text>...",
			Short: "Replace the content of a note",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app, out io.Writer) error {
					updated, err := a.notes().Update(notes.NoteID(args[0]), strings.Join(args[1:], " "))
					if err != nil {
						return err
					}
					if !updated {
						return fmt.Errorf("note %s not found", args[0])
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rm <note-id>",
			Short: "Delete a note",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app, out io.Writer) error {
					deleted, err := a.notes().Delete(notes.NoteID(args[0]))
					if err != nil {
						return err
					}
					if !deleted {
						return fmt.Errorf("note %s not found", args[0])
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func printNotes(out io.Writer, listed []notes.Note) {
	for _, note := range listed {
		fmt.Fprintf(out, "%s  %s  %s\n", note.ID, note.SectionID, note.UpdatedAt.Local().Format(time.DateTime))
		for _, line := range strings.Split(note.Content, "\n") {
			fmt.Fprintf(out, "    %s\n", line)
		}
	}
}

func newSettingsCommand() *cobra.Command {
	show := func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app, out io.Writer) error {
			return printSettings(out, a.settings.Current())
		})
	}
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change display settings",
		RunE:  show,
	}
	cmd.AddCommand(
		&cobra.Command{Use: "show", Short: "Show display settings", RunE: show},
		&cobra.Command{
			Use:   "set <field> <value>",
			Short: "Change one display setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app, out io.Writer) error {
					next, err := a.settings.Set(args[0], args[1])
					if err != nil {
						allowed, allowedErr := settings.Allowed(args[0])
						if allowedErr == nil {
							return fmt.Errorf("%w (allowed: %s)", err, strings.Join(allowed, ", "))
						}
						return fmt.Errorf("%w (fields: %s)", err, strings.Join(settings.Fields(), ", "))
					}
					return printSettings(out, next)
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Restore default display settings",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app, out io.Writer) error {
					next, err := a.settings.Reset()
					if err != nil {
						return err
					}
					return printSettings(out, next)
				})
			},
		},
	)
	return cmd
}

func printSettings(out io.Writer, current settings.Settings) error {
	for _, field := range settings.Fields() {
		value, err := current.Get(field)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s=%s\n", field, value)
	}
	return nil
}

func newTOCCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "toc [section-id]",
		Short: "List volumes and sections, or show one section with its neighbours",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				for _, volume := range a.contents.Volumes() {
					fmt.Fprintf(out, "%s  %s\n", volume.ID, volume.Title)
					for _, section := range volume.Sections {
						fmt.Fprintf(out, "  %s  %s  (%s)\n", section.ID, section.Title, section.Slug)
					}
				}
				return nil
			}

			section, volume, ok := a.contents.Section(args[0])
			if !ok {
				return fmt.Errorf("unknown section %s", args[0])
			}
			fmt.Fprintf(out, "%s  %s\nvolume: %s  %s\n", section.ID, section.Title, volume.ID, volume.Title)
			previous, next := a.contents.Adjacent(section.ID)
			if previous != nil {
				fmt.Fprintf(out, "previous: %s  %s\n", previous.ID, previous.Title)
			}
			if next != nil {
				fmt.Fprintf(out, "next: %s  %s\n", next.ID, next.Title)
			}
			return nil
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile local state with the document store and flush pending writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app, out io.Writer) error {
				if !a.cfg.RemoteEnabled() {
					fmt.Fprintln(out, "no document store configured; local-only")
					return nil
				}
				flushCtx, cancel := context.WithTimeout(cmd.Context(), flushTimeout)
				defer cancel()
				if err := a.finish(flushCtx); err != nil {
					return err
				}
				printSyncStatus(out, "progress", a.progress().Mode(), a.progress().QueueStats(), a.progress().FailedWrites())
				printSyncStatus(out, "notes", a.notes().Mode(), a.notes().QueueStats(), a.notes().FailedWrites())
				return nil
			})
		},
	}
}

func printSyncStatus(out io.Writer, name string, mode syncer.Mode, stats syncer.QueueStats, failed []syncer.FailedWrite) {
	fmt.Fprintf(out, "%s: %s, %d written, %d pending, %d failed, %d retries\n",
		name, mode, stats.Completed, stats.Pending, stats.Failed, stats.Retries)
	for _, write := range failed {
		fmt.Fprintf(out, "  failed %s: %v\n", write.Key, write.Err)
	}
}

// snapshotSummary renders a one-line summary used by watch.
func snapshotSummary(snapshot progress.Snapshot, total int) string {
	return fmt.Sprintf("%d/%d completed, %d bookmarked", snapshot.CompletedCount(), total, len(snapshot.Bookmarks()))
}
