// Package config loads a store layout from YAML: the backend, its pools,
// the declared tags, the key-value partitions and the settings tables.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/drpcorg/tagstore"
	"github.com/drpcorg/tagstore/backend"
	"github.com/drpcorg/tagstore/kv"
	"github.com/drpcorg/tagstore/settings"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	BackendPebble = "pebble"
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

type Backend struct {
	Kind          string `yaml:"kind"`
	Path          string `yaml:"path"`
	Sync          bool   `yaml:"sync"`
	MaxRecordSize int    `yaml:"max_record_size"`
}

type Pool struct {
	ID       uint8 `yaml:"id"`
	Capacity int   `yaml:"capacity"`
}

type Tag struct {
	Component uint8  `yaml:"component"`
	Local     uint8  `yaml:"local"`
	Pool      uint8  `yaml:"pool"`
	Size      uint16 `yaml:"size"`
	Frequency string `yaml:"frequency"`
	// Default is hex; shorter than Size leaves the rest all-ones.
	Default string `yaml:"default"`
	// Allowed lists the hex values the consistency check accepts.
	Allowed []string `yaml:"allowed"`
}

type KV struct {
	Component     uint8  `yaml:"component"`
	Pool          uint8  `yaml:"pool"`
	MaxValueChunk int    `yaml:"max_value_chunk"`
	MaxExtensions int    `yaml:"max_extensions"`
	Frequency     string `yaml:"frequency"`
	CacheSize     int    `yaml:"cache_size"`
}

type SettingsEntry struct {
	Key      uint16 `yaml:"key"`
	Base     uint8  `yaml:"base"`
	MaxSize  uint16 `yaml:"max_size"`
	MaxCount uint8  `yaml:"max_count"`
	CountTag uint8  `yaml:"count_tag"`
	Pool     uint8  `yaml:"pool"`
}

type Settings struct {
	Component uint8           `yaml:"component"`
	Entries   []SettingsEntry `yaml:"entries"`
}

type Config struct {
	LogLevel string     `yaml:"log_level"`
	Capacity int        `yaml:"capacity"`
	Backend  Backend    `yaml:"backend"`
	Pools    []Pool     `yaml:"pools"`
	Tags     []Tag      `yaml:"tags"`
	KV       []KV       `yaml:"kv"`
	Settings []Settings `yaml:"settings"`
}

func (c *Config) SetDefaults() {
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendPebble
	}
	if c.Backend.Path == "" && c.Backend.Kind != BackendMemory {
		c.Backend.Path = "tagstore.db"
	}
	if c.Backend.MaxRecordSize == 0 {
		c.Backend.MaxRecordSize = backend.DefaultMaxRecordSize
	}
	if len(c.Pools) == 0 {
		c.Pools = []Pool{{ID: 0}}
	}
	if c.Capacity == 0 {
		c.Capacity = tagstore.DefaultCapacity
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendPebble, BackendBolt, BackendBadger, BackendMemory:
	default:
		return errors.Errorf("unknown backend %q", c.Backend.Kind)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	pools := make(map[uint8]bool)
	for _, p := range c.Pools {
		if p.ID == uint8(backend.AllPools) {
			return errors.Errorf("pool id %#x is reserved", p.ID)
		}
		if pools[p.ID] {
			return errors.Errorf("pool %d declared twice", p.ID)
		}
		pools[p.ID] = true
	}
	known := func(what string, pool uint8) error {
		if !pools[pool] {
			return errors.Errorf("%s uses undeclared pool %d", what, pool)
		}
		return nil
	}
	for _, t := range c.Tags {
		if err := known(fmt.Sprintf("tag %02x:%02x", t.Component, t.Local), t.Pool); err != nil {
			return err
		}
	}
	for _, k := range c.KV {
		if err := known(fmt.Sprintf("kv partition %02x", k.Component), k.Pool); err != nil {
			return err
		}
		if _, err := backend.ParseFrequency(k.Frequency); err != nil {
			return err
		}
	}
	for _, s := range c.Settings {
		for _, e := range s.Entries {
			if err := known(fmt.Sprintf("settings key %#04x", e.Key), e.Pool); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, errors.Wrap(err, "log_level")
	}
	return level, nil
}

func (c *Config) PoolConfigs() []backend.PoolConfig {
	out := make([]backend.PoolConfig, len(c.Pools))
	for i, p := range c.Pools {
		out[i] = backend.PoolConfig{ID: backend.PoolID(p.ID), Capacity: p.Capacity}
	}
	return out
}

// OpenBackend opens the configured backend. The caller closes it.
func (c *Config) OpenBackend(logger *slog.Logger) (be backend.Backend, err error) {
	b := c.Backend
	switch b.Kind {
	case BackendPebble:
		var p *backend.Pebble
		p, err = backend.OpenPebble(b.Path, backend.PebbleOptions{
			Pools:         c.PoolConfigs(),
			MaxRecordSize: b.MaxRecordSize,
			Sync:          b.Sync,
		})
		be = p
	case BackendBolt:
		var bb *backend.Bolt
		bb, err = backend.OpenBolt(b.Path,
			backend.WithBoltPools(c.PoolConfigs()),
			backend.WithBoltMaxRecordSize(b.MaxRecordSize),
			backend.WithBoltNoSync(!b.Sync))
		be = bb
	case BackendBadger:
		var bg *backend.Badger
		bg, err = backend.OpenBadger(backend.BadgerConfig{
			Path:          b.Path,
			SyncWrites:    b.Sync,
			Pools:         c.PoolConfigs(),
			MaxRecordSize: b.MaxRecordSize,
			Logger:        logger,
		})
		be = bg
	case BackendMemory:
		be = backend.NewMemory(c.PoolConfigs(), backend.WithMaxRecordSize(b.MaxRecordSize))
	default:
		err = errors.Errorf("unknown backend %q", b.Kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s backend", b.Kind)
	}
	return be, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x"))
}

func (t Tag) descriptor() (tagstore.Descriptor, error) {
	id := tagstore.UniqueID{Component: t.Component, Local: t.Local}
	freq, err := backend.ParseFrequency(t.Frequency)
	if err != nil {
		return tagstore.Descriptor{}, errors.Wrapf(err, "tag %s", id)
	}
	d := tagstore.Descriptor{
		ID:        id,
		Pool:      backend.PoolID(t.Pool),
		Size:      t.Size,
		Frequency: freq,
	}
	if t.Default != "" {
		def, err := decodeHex(t.Default)
		if err != nil {
			return d, errors.Wrapf(err, "tag %s default", id)
		}
		if len(def) > int(t.Size) {
			return d, errors.Errorf("tag %s default is %d bytes, size %d", id, len(def), t.Size)
		}
		d.Default = func(dst []byte) {
			copy(dst, def)
		}
	}
	if len(t.Allowed) > 0 {
		allowed := make(map[string]bool, len(t.Allowed))
		for _, a := range t.Allowed {
			val, err := decodeHex(a)
			if err != nil {
				return d, errors.Wrapf(err, "tag %s allowed value", id)
			}
			allowed[string(val)] = true
		}
		d.Check = func(value []byte) bool {
			return allowed[string(value)]
		}
	}
	return d, nil
}

func (s Settings) Table() settings.Table {
	table := make(settings.Table, len(s.Entries))
	for i, e := range s.Entries {
		table[i] = settings.Entry{
			Key:      e.Key,
			Base:     e.Base,
			MaxSize:  e.MaxSize,
			MaxCount: e.MaxCount,
			CountTag: e.CountTag,
			Pool:     backend.PoolID(e.Pool),
		}
	}
	return table
}

// Registry declares every configured tag, including the tags of the
// settings tables. A conflicting layout is reported as an error rather
// than the builder's panic, since it comes from a file.
func (c *Config) Registry() (reg *tagstore.Registry, err error) {
	b := tagstore.NewBuilder(c.Capacity)
	defer func() {
		if r := recover(); r != nil {
			rerr, ok := r.(error)
			if !ok {
				panic(r)
			}
			reg, err = nil, errors.Wrap(rerr, "tag layout")
		}
	}()
	for _, t := range c.Tags {
		d, err := t.descriptor()
		if err != nil {
			return nil, err
		}
		b.Register(d)
	}
	for _, s := range c.Settings {
		settings.Register(b, s.Component, s.Table())
	}
	return b.Build(), nil
}

func (k KV) Options() kv.Options {
	freq, _ := backend.ParseFrequency(k.Frequency)
	return kv.Options{
		Component:     k.Component,
		Pool:          backend.PoolID(k.Pool),
		MaxValueChunk: k.MaxValueChunk,
		MaxExtensions: k.MaxExtensions,
		Frequency:     freq,
		CacheSize:     k.CacheSize,
	}
}

// Partition finds the kv partition of component.
func (c *Config) Partition(component uint8) (KV, bool) {
	for _, k := range c.KV {
		if k.Component == component {
			return k, true
		}
	}
	return KV{}, false
}

// SettingsFor returns the settings table declared for component.
func (c *Config) SettingsFor(component uint8) (Settings, bool) {
	for _, s := range c.Settings {
		if s.Component == component {
			return s, true
		}
	}
	return Settings{}, false
}
