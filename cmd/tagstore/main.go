package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/drpcorg/tagstore"
	"github.com/drpcorg/tagstore/backend"
	"github.com/drpcorg/tagstore/config"
	"github.com/drpcorg/tagstore/kv"
	"github.com/drpcorg/tagstore/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	backendKind string
	dataPath    string
	partition   uint8
	metricsAddr string
	verbose     bool

	getOffset int
	getLen    int
	putHex    bool
)

// app is what every command runs against.
type app struct {
	cfg   *config.Config
	log   utils.Logger
	be    backend.Backend
	store *tagstore.Store
	kv    *kv.KV
}

var current app

func (a *app) open() error {
	var err error
	if configPath != "" {
		a.cfg, err = config.Load(configPath)
	} else {
		a.cfg, err = config.Parse(nil)
	}
	if err != nil {
		return err
	}
	if backendKind != "" {
		a.cfg.Backend.Kind = backendKind
	}
	if dataPath != "" {
		a.cfg.Backend.Path = dataPath
	}
	a.cfg.SetDefaults()
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	level, _ := a.cfg.Level()
	if verbose {
		level = slog.LevelDebug
	}
	logger := utils.NewDefaultLogger(level)
	a.log = logger

	a.be, err = a.cfg.OpenBackend(slog.Default())
	if err != nil {
		return err
	}
	reg, err := a.cfg.Registry()
	if err != nil {
		return err
	}
	a.store = tagstore.Open(a.be, reg, tagstore.Options{
		Logger:    logger,
		SafetyNet: true,
		OnWipe: func(id tagstore.UniqueID) {
			logger.Warn("store wiped after failed consistency check", "tag", id.String())
		},
	})
	// a failed check wipes and reseeds, and the store is usable after it
	if err := a.store.CheckConsistency(); err != nil {
		var inc *tagstore.InconsistencyError
		if !errors.As(err, &inc) {
			return err
		}
		logger.Warn("inconsistent store at startup", "err", err)
	}

	opts := kv.Options{Component: partition}
	if part, ok := a.cfg.Partition(partition); ok {
		opts = part.Options()
	}
	a.kv, err = kv.New(a.store, opts)
	if err != nil {
		return err
	}
	return a.serveMetrics()
}

func (a *app) serveMetrics() error {
	if metricsAddr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(tagstore.Collectors()...)
	if p, ok := a.be.(*backend.Pebble); ok {
		reg.MustRegister(backend.NewPebbleCollector(p))
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			a.log.Error("metrics endpoint stopped", "addr", metricsAddr, "err", err)
		}
	}()
	a.log.Info("serving metrics", "addr", metricsAddr)
	return nil
}

func (a *app) close() error {
	if a.be == nil {
		return nil
	}
	err := a.be.Close()
	a.be = nil
	return err
}

var rootCmd = &cobra.Command{
	Use:           "tagstore",
	Short:         "Inspect and edit a tag store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return current.open()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return current.close()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML layout of pools, tags, kv partitions and settings")
	pf.StringVar(&backendKind, "backend", "", "backend: pebble, bolt, badger or memory")
	pf.StringVar(&dataPath, "path", "", "database path")
	pf.Uint8VarP(&partition, "partition", "p", 1, "kv component id")
	pf.StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	getCmd.Flags().IntVar(&getOffset, "offset", 0, "first byte to read")
	getCmd.Flags().IntVar(&getLen, "len", -1, "bytes to read, -1 for all")
	putCmd.Flags().BoolVar(&putHex, "hex", false, "value is hex")

	rootCmd.AddCommand(putCmd, getCmd, deleteCmd, eraseCmd, checkCmd, dumpCmd, replCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_ = current.close()
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
