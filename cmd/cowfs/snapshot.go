/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Nov  8 10:55:02 2018 mstenber
 * Last modified: Thu Nov  8 12:40:17 2018 mstenber
 * Edit time:     29 min
 *
 */

package main

import (
	"fmt"
	"time"

	"github.com/fingon/go-cowfs/fs"
	"github.com/fingon/go-cowfs/snapshot"
	"github.com/spf13/cobra"
)

func newSnapshotCmd(self *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage snapshots",
	}
	cmd.AddCommand(newSnapshotCreateCmd(self), newSnapshotListCmd(self),
		newSnapshotDeleteCmd(self), newSnapshotRollbackCmd(self),
		newSnapshotDiffCmd(self), newSnapshotCloneCmd(self),
		newSnapshotHeadCmd(self))
	return cmd
}

func newSnapshotCreateCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Freeze the live head as a read-only snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return self.withFs(func(f *fs.Fs) error {
				s, err := f.CreateSnapshot(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", s.Id)
				return nil
			})
		},
	}
}

func newSnapshotCloneCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clone ID NAME",
		Short: "Create a writable snapshot from snapshot ID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseId(args[0], "snapshot")
			if err != nil {
				return err
			}
			return self.withFs(func(f *fs.Fs) error {
				s, err := f.Clone(id, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", s.Id)
				return nil
			})
		},
	}
}

func newSnapshotListCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return self.withFs(func(f *fs.Fs) error {
				l, err := f.Snapshots()
				if err != nil {
					return err
				}
				head := f.Stats().Head
				out := cmd.OutOrStdout()
				for _, s := range l {
					mark := " "
					if s.Id == head {
						mark = "*"
					}
					created := "-"
					if s.Created != 0 {
						created = time.Unix(0, s.Created).Format(time.RFC3339)
					}
					fmt.Fprintf(out, "%s%4d %4d %-7v %-25s %s\n", mark, s.Id, s.ParentId, s.State, created, s.Name)
				}
				return nil
			})
		},
	}
}

func newSnapshotDeleteCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a snapshot without children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseId(args[0], "snapshot")
			if err != nil {
				return err
			}
			return self.withFs(func(f *fs.Fs) error {
				return f.DeleteSnapshot(id)
			})
		},
	}
}

func newSnapshotRollbackCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback ID",
		Short: "Return the live head to snapshot ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseId(args[0], "snapshot")
			if err != nil {
				return err
			}
			return self.withFs(func(f *fs.Fs) error {
				return f.Rollback(id)
			})
		},
	}
}

func newSnapshotHeadCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "head ID",
		Short: "Make writable snapshot ID the live head",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseId(args[0], "snapshot")
			if err != nil {
				return err
			}
			return self.withFs(func(f *fs.Fs) error {
				return f.SetHead(id)
			})
		},
	}
}

func newSnapshotDiffCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "diff A [B]",
		Short: "Show what changed from snapshot A to B (default live head)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parseId(args[0], "snapshot")
			if err != nil {
				return err
			}
			var b uint64
			if len(args) > 1 {
				if b, err = parseId(args[1], "snapshot"); err != nil {
					return err
				}
			}
			return self.withFs(func(f *fs.Fs) error {
				if b == 0 {
					b = f.Stats().Head
				}
				out := cmd.OutOrStdout()
				return f.Diff(a, b, func(e snapshot.DiffEntry) bool {
					switch {
					case e.Kind == snapshot.DiffInode && e.OldInode == nil:
						fmt.Fprintf(out, "+ %d %v\n", e.Ino, e.NewInode.Type)
					case e.Kind == snapshot.DiffInode && e.NewInode == nil:
						fmt.Fprintf(out, "- %d\n", e.Ino)
					case e.Kind == snapshot.DiffInode:
						fmt.Fprintf(out, "M %d size %d -> %d\n", e.Ino, e.OldInode.Size, e.NewInode.Size)
					default:
						fmt.Fprintf(out, "R %d blocks %d+%d\n", e.Ino, e.Offset, e.Length)
					}
					return true
				})
			})
		},
	}
}
