/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Nov  8 09:40:18 2018 mstenber
 * Last modified: Thu Nov  8 12:31:55 2018 mstenber
 * Edit time:     71 min
 *
 */

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fingon/go-cowfs/fs"
	"github.com/fingon/go-cowfs/layout"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// how much cat reads at a time
const catChunk = 1 << 20

func parseId(s, what string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid %s %q", what, s)
	}
	return n, nil
}

func newMkfsCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mkfs",
		Short: "Create an empty filesystem",
		Long: `Create an empty filesystem on --device with --blocks blocks.

Compression and encryption of data blocks are chosen here and stored
in the superblock; an encrypted filesystem needs --password on every
later command too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			config, err := self.fsConfig()
			if err != nil {
				return err
			}
			dev, err := self.openDevice(true)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := dev.Close(); err == nil {
					err = cerr
				}
			}()
			if err = fs.Mkfs(dev, config); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s filesystem (%d blocks of %s)\n",
				humanize.IBytes(dev.Blocks()*uint64(dev.BlockSize())),
				dev.Blocks(), humanize.IBytes(uint64(dev.BlockSize())))
			return nil
		},
	}
}

func newInfoCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show superblock, zone usage and cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return self.withFs(func(f *fs.Fs) error {
				out := cmd.OutOrStdout()
				sb := f.Superblock()
				st := f.Stats()
				bs := uint64(sb.BlockSize)
				fmt.Fprintf(out, "uuid:        %v\n", sb.UUID)
				fmt.Fprintf(out, "size:        %s (%d blocks of %s)\n",
					humanize.IBytes(sb.TotalBlocks*bs), sb.TotalBlocks, humanize.IBytes(bs))
				fmt.Fprintf(out, "generation:  %d\n", st.Generation)
				fmt.Fprintf(out, "journal:     %d blocks, %.1f%% used, peak %.1f%%\n",
					sb.Journal.Length, st.JournalUsage*100, st.JournalPeak*100)
				fmt.Fprintf(out, "snapshots:   %d (head %d)\n", st.Snapshots, st.Head)
				if f.Recovery != nil {
					fmt.Fprintf(out, "recovery:    %d replayed, %d discarded\n",
						f.Recovery.Replayed, f.Recovery.Discarded)
				}
				for _, z := range st.Zones {
					fmt.Fprintf(out, "zone %-9v %s used of %s, %d free runs, largest %s\n",
						z.Kind, humanize.IBytes(z.Allocated*bs), humanize.IBytes(z.Total*bs),
						z.FreeRuns, humanize.IBytes(z.LargestFree*bs))
				}
				return nil
			})
		},
	}
}

func newFsckCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Check allocator, index and reference count consistency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return self.withFs(func(f *fs.Fs) error {
				report, err := f.Fsck()
				if report != nil {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "%d snapshots, %d inodes, %d index nodes, %d blocks referenced\n",
						report.Snapshots, report.Inodes, report.Nodes, report.Blocks)
					for _, p := range report.Problems {
						fmt.Fprintln(out, p)
					}
				}
				return err
			})
		},
	}
}

func newPutCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "put [INO] FILE",
		Short: "Store a local file as an inode",
		Long: `Store the content of a local file ('-' for stdin). Without INO a
new inode is created; with it, the existing inode is replaced.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ino uint64
			if len(args) == 2 {
				var err error
				if ino, err = parseId(args[0], "inode"); err != nil {
					return err
				}
				args = args[1:]
			}
			in := io.Reader(os.Stdin)
			if args[0] != "-" {
				fp, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer fp.Close()
				in = fp
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			return self.withFs(func(f *fs.Fs) error {
				if ino == 0 {
					if ino, err = f.CreateInode(layout.InodeFile); err != nil {
						return err
					}
				} else if err = f.Truncate(ino, 0); err != nil {
					return err
				}
				if _, err = f.Write(ino, 0, data); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", ino)
				self.logger.Sugar().Debugw("put", "ino", ino, "bytes", len(data))
				return nil
			})
		},
	}
}

func newCatCmd(self *cli) *cobra.Command {
	var view uint64
	cmd := &cobra.Command{
		Use:   "cat INO",
		Short: "Write the content of an inode to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ino, err := parseId(args[0], "inode")
			if err != nil {
				return err
			}
			return self.withFs(func(f *fs.Fs) error {
				if view == 0 {
					view = f.Stats().Head
				}
				out := cmd.OutOrStdout()
				for off := uint64(0); ; {
					data, err := f.ReadAt(view, ino, off, catChunk)
					if err != nil {
						return err
					}
					if len(data) == 0 {
						return nil
					}
					if _, err = out.Write(data); err != nil {
						return err
					}
					off += uint64(len(data))
				}
			})
		},
	}
	cmd.Flags().Uint64Var(&view, "snapshot", 0, "snapshot to read from (default live head)")
	return cmd
}

func newLsCmd(self *cli) *cobra.Command {
	var view uint64
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List inodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return self.withFs(func(f *fs.Fs) error {
				if view == 0 {
					view = f.Stats().Head
				}
				out := cmd.OutOrStdout()
				return f.Inodes(view, func(ino uint64, rec layout.InodeRecord) bool {
					fmt.Fprintf(out, "%8d %-9v %10s %s\n", ino, rec.Type,
						humanize.IBytes(rec.Size), time.Unix(0, rec.Mtime).Format(time.RFC3339))
					return true
				})
			})
		},
	}
	cmd.Flags().Uint64Var(&view, "snapshot", 0, "snapshot to list (default live head)")
	return cmd
}

func newRmCmd(self *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rm INO...",
		Short: "Remove inodes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return self.withFs(func(f *fs.Fs) error {
				for _, arg := range args {
					ino, err := parseId(arg, "inode")
					if err != nil {
						return err
					}
					if err = f.RemoveInode(ino); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
