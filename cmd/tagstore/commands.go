package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/drpcorg/tagstore"
	"github.com/drpcorg/tagstore/kv"
	"github.com/spf13/cobra"
)

func (a *app) put(key, value string, isHex bool) error {
	val := []byte(value)
	if isHex {
		var err error
		if val, err = hex.DecodeString(value); err != nil {
			return err
		}
	}
	return a.kv.Put(key, val)
}

func (a *app) get(out io.Writer, key string, offset, n int) error {
	if n < 0 {
		size, err := a.kv.Size(key)
		if err != nil {
			return err
		}
		n = max(size-offset, 0)
	}
	val, err := a.kv.Get(key, offset, n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%q\n", val)
	return err
}

// check validates the tags, then reclaims what interrupted writes left.
func (a *app) check(out io.Writer) error {
	if err := a.store.CheckConsistency(); err != nil {
		var inc *tagstore.InconsistencyError
		if !errors.As(err, &inc) {
			return err
		}
		_, _ = fmt.Fprintf(out, "%s\n", err.Error())
	}
	removed, err := a.kv.Collect()
	if err != nil {
		return err
	}
	keys, err := a.kv.Keys()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%d keys, %d stale records removed\n", keys, removed)
	return err
}

func (a *app) dump(out io.Writer) error {
	for _, pool := range a.be.Pools() {
		_, _ = fmt.Fprintf(out, "pool %d\n", pool.ID)
		for rec, err := range a.be.Scan(pool.ID) {
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "\t%s\t%s\n", kv.Describe(rec), rec.Frequency)
		}
	}
	return nil
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.put(args[0], args[1], putHex)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a value, or a window of it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.get(os.Stdout, args[0], getOffset, getLen)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Aliases: []string{"rm"},
	Short:   "Delete a key",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.kv.Delete(args[0])
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase every key of the partition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.kv.ErasePartition()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the consistency checks and collect stale records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.check(os.Stdout)
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "List every record of every pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.dump(os.Stdout)
	},
}
