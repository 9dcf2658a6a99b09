/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 12:22:52 2018 mstenber
 * Last modified: Thu Oct 18 13:05:40 2018 mstenber
 * Edit time:     39 min
 *
 */

package factory

import (
	"sort"

	"github.com/fingon/go-cowfs/device"
	"github.com/fingon/go-cowfs/device/badger"
	"github.com/fingon/go-cowfs/device/bolt"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/pkg/errors"
)

type factoryCallback func(config device.Configuration) (device.Device, error)

var deviceFactories = map[string]factoryCallback{
	"inmemory": func(config device.Configuration) (device.Device, error) {
		if config.BlockSize == 0 {
			config.BlockSize = device.DefaultBlockSize
		}
		return device.NewInMemory(config.BlockSize, config.Blocks), nil
	},
	"file": func(config device.Configuration) (device.Device, error) {
		return device.OpenFile(config)
	},
	"bolt": func(config device.Configuration) (device.Device, error) {
		return bolt.Open(config)
	},
	"badger": func(config device.Configuration) (device.Device, error) {
		return badger.Open(config)
	},
}

func List() []string {
	keys := make([]string, 0, len(deviceFactories))
	for k := range deviceFactories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func New(name string, config device.Configuration) (device.Device, error) {
	mlog.Printf2("device/factory/factory", "f.New %v %v", name, config)
	cb, ok := deviceFactories[name]
	if !ok {
		return nil, errors.Errorf("unknown device backend %q (have %v)", name, List())
	}
	return cb(config)
}
