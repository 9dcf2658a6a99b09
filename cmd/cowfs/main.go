/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Nov  8 09:12:40 2018 mstenber
 * Last modified: Thu Nov  8 11:47:03 2018 mstenber
 * Edit time:     64 min
 *
 */

// cowfs is the command line tool for creating, inspecting and
// modifying cowfs filesystems outside any mount.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fingon/go-cowfs/codec"
	"github.com/fingon/go-cowfs/device"
	"github.com/fingon/go-cowfs/device/factory"
	"github.com/fingon/go-cowfs/fs"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// cliConfig is what viper assembles from flags, COWFS_ environment
// variables and the optional cowfs.yaml.
type cliConfig struct {
	Backend   string `mapstructure:"backend"`
	Device    string `mapstructure:"device"`
	Blocks    uint64 `mapstructure:"blocks"`
	BlockSize int    `mapstructure:"block-size"`

	JournalBlocks uint64 `mapstructure:"journal-blocks"`
	Compression   string `mapstructure:"compression"`
	Encryption    string `mapstructure:"encryption"`
	Password      string `mapstructure:"password"`

	CacheSize int  `mapstructure:"cache-size"`
	Fsck      bool `mapstructure:"fsck-on-truncate"`

	LogFormat string `mapstructure:"log-format"`
	Debug     bool   `mapstructure:"debug"`
}

type cli struct {
	v      *viper.Viper
	config cliConfig
	logger *zap.Logger
	undo   func()
}

func newLogger(format string, debug bool) (*zap.Logger, error) {
	var zc zap.Config
	switch format {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}
	zc.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// setup runs before every command.
func (self *cli) setup(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		self.v.SetConfigFile(path)
	} else {
		self.v.SetConfigName("cowfs")
		self.v.AddConfigPath(".")
	}
	if err := self.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "config")
		}
	}
	if err := self.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := self.v.Unmarshal(&self.config); err != nil {
		return errors.Wrap(err, "config")
	}
	logger, err := newLogger(self.config.LogFormat, self.config.Debug)
	if err != nil {
		return err
	}
	self.logger = logger
	if self.config.Debug {
		self.undo = mlog.SetZapLogger(logger)
	}
	return nil
}

func (self *cli) teardown() {
	if self.undo != nil {
		self.undo()
		self.undo = nil
	}
	if self.logger != nil {
		self.logger.Sync()
	}
}

func (self *cli) fsConfig() (fs.Config, error) {
	c := self.config
	config := fs.Config{JournalBlocks: c.JournalBlocks, Password: c.Password,
		FsckOnTruncate: c.Fsck, Logger: self.logger}
	if c.CacheSize > 0 {
		config.NodeCacheSize = c.CacheSize
		config.BufferCacheSize = c.CacheSize
		config.PageCacheSize = c.CacheSize
	}
	var err error
	if config.Compression, err = codec.ParseCompressionAlgo(c.Compression); err != nil {
		return config, err
	}
	if config.Encryption, err = codec.ParseEncryptionAlgo(c.Encryption); err != nil {
		return config, err
	}
	return config, nil
}

// openDevice opens the configured device; only mkfs passes create.
func (self *cli) openDevice(create bool) (device.Device, error) {
	c := self.config
	if c.Device == "" && c.Backend != "inmemory" {
		return nil, errors.New("--device is required")
	}
	dc := device.Configuration{Path: c.Device, BlockSize: c.BlockSize}
	if create {
		if c.Blocks == 0 {
			return nil, errors.New("--blocks is required")
		}
		dc.Blocks = c.Blocks
	} else if c.Backend == "file" {
		// plain files do not remember their block size; the
		// superblock fits in the smallest one
		dc.BlockSize = layout.MinBlockSize
		dev, err := factory.New(c.Backend, dc)
		if err != nil {
			return nil, err
		}
		sb, err := fs.ReadSuperblock(dev)
		dev.Close()
		if err != nil {
			return nil, err
		}
		dc.BlockSize = int(sb.BlockSize)
	}
	return factory.New(c.Backend, dc)
}

// withFs mounts the device for the duration of fn.
func (self *cli) withFs(fn func(f *fs.Fs) error) (err error) {
	config, err := self.fsConfig()
	if err != nil {
		return err
	}
	dev, err := self.openDevice(false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dev.Close(); err == nil {
			err = cerr
		}
	}()
	f, err := fs.Mount(dev, config)
	if err != nil {
		return err
	}
	if f.RecoveryErr != nil {
		self.logger.Warn("journal was truncated", zap.Error(f.RecoveryErr))
	}
	err = fn(f)
	if uerr := f.Unmount(); err == nil {
		err = uerr
	}
	return err
}

func newRootCmd() *cobra.Command {
	self := &cli{v: viper.New()}
	self.v.SetEnvPrefix("COWFS")
	self.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	self.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "cowfs",
		Short: "cowfs - copy-on-write block storage engine tool",
		Long: `cowfs creates, checks and modifies copy-on-write filesystems
kept on a device file or in a key-value store.

Files are addressed by inode number; snapshots are addressed by id.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return self.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			self.teardown()
		},
	}
	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default ./cowfs.yaml if present)")
	pf.String("backend", "file", fmt.Sprintf("device backend (possible: %v)", factory.List()))
	pf.String("device", "", "device file or directory")
	pf.Int("block-size", device.DefaultBlockSize, "block size of new devices")
	pf.String("password", "", "password of encrypted filesystems")
	pf.Int("cache-size", 0, "entries in each cache (0 for defaults)")
	pf.Bool("fsck-on-truncate", true, "check the filesystem if recovery finds a torn journal")
	pf.String("log-format", "console", "log format (console or json)")
	pf.Bool("debug", false, "enable debug logging")
	// mkfs-only, but viper wants them known everywhere
	pf.Uint64("blocks", 0, "size of the new device in blocks")
	pf.Uint64("journal-blocks", 0, "journal size in blocks (0 for 1/32 of the device)")
	pf.String("compression", "none", "data block compression (none, lz4, snappy, zstd)")
	pf.String("encryption", "none", "data block encryption (none, aes-xts)")

	groupFs := "filesystem"
	groupFile := "file"
	root.AddGroup(&cobra.Group{ID: groupFs, Title: "Filesystem Commands"})
	root.AddGroup(&cobra.Group{ID: groupFile, Title: "File Commands"})
	for _, c := range []*cobra.Command{newMkfsCmd(self), newInfoCmd(self), newFsckCmd(self), newSnapshotCmd(self)} {
		c.GroupID = groupFs
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{newPutCmd(self), newCatCmd(self), newLsCmd(self), newRmCmd(self)} {
		c.GroupID = groupFile
		root.AddCommand(c)
	}
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
