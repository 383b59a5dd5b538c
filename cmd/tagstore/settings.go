package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/drpcorg/tagstore/settings"
	"github.com/spf13/cobra"
)

var (
	settingsAppend bool
	settingsHex    bool
)

// adapter opens the settings table the config declares for component.
func (a *app) adapter(component string) (*settings.Adapter, error) {
	c, err := strconv.ParseUint(component, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("bad component %q: %w", component, err)
	}
	set, ok := a.cfg.SettingsFor(uint8(c))
	if !ok {
		return nil, fmt.Errorf("no settings table for component %#02x", c)
	}
	return settings.Open(a.store, set.Component, set.Table())
}

func parseSettingsKey(key string) (uint16, error) {
	k, err := strconv.ParseUint(key, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bad key %q: %w", key, err)
	}
	return uint16(k), nil
}

// parseIndex reads a list index; empty and "all" mean the whole key.
func parseIndex(index string) (int, error) {
	if index == "" || index == "all" {
		return settings.All, nil
	}
	i, err := strconv.Atoi(index)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("bad index %q", index)
	}
	return i, nil
}

// settingsGet prints one entry, or every entry of a list when index is All.
func (a *app) settingsGet(out io.Writer, component, key, index string) error {
	ad, err := a.adapter(component)
	if err != nil {
		return err
	}
	k, err := parseSettingsKey(key)
	if err != nil {
		return err
	}
	i, err := parseIndex(index)
	if err != nil {
		return err
	}
	n, err := ad.Count(k)
	switch {
	case errors.Is(err, settings.ErrInvalidArgument):
		val, err := ad.Get(k, max(i, 0))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%q\n", val)
		return err
	case err != nil:
		return err
	}
	if i != settings.All {
		val, err := ad.Get(k, i)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%q\n", val)
		return err
	}
	for j := 0; j < n; j++ {
		val, err := ad.Get(k, j)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "%d\t%q\n", j, val)
	}
	return nil
}

func (a *app) settingsAdd(component, key, value string, appendToList, isHex bool) error {
	ad, err := a.adapter(component)
	if err != nil {
		return err
	}
	k, err := parseSettingsKey(key)
	if err != nil {
		return err
	}
	val := []byte(value)
	if isHex {
		if val, err = hex.DecodeString(value); err != nil {
			return err
		}
	}
	return ad.Add(k, appendToList, val)
}

func (a *app) settingsDelete(component, key, index string) error {
	ad, err := a.adapter(component)
	if err != nil {
		return err
	}
	k, err := parseSettingsKey(key)
	if err != nil {
		return err
	}
	i, err := parseIndex(index)
	if err != nil {
		return err
	}
	return ad.Delete(k, i)
}

func (a *app) settingsWipe(component string) error {
	ad, err := a.adapter(component)
	if err != nil {
		return err
	}
	return ad.Wipe()
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Edit the settings tables of the config",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <component> <key> [index]",
	Short: "Print a setting, or every entry of a list",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.settingsGet(os.Stdout, args[0], args[1], optional(args, 2))
	},
}

var settingsAddCmd = &cobra.Command{
	Use:   "add <component> <key> <value>",
	Short: "Set a setting, or append to a list with --append",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.settingsAdd(args[0], args[1], args[2], settingsAppend, settingsHex)
	},
}

var settingsDeleteCmd = &cobra.Command{
	Use:     "delete <component> <key> [index|all]",
	Aliases: []string{"rm"},
	Short:   "Delete a setting or one list entry",
	Args:    cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.settingsDelete(args[0], args[1], optional(args, 2))
	},
}

var settingsWipeCmd = &cobra.Command{
	Use:   "wipe <component>",
	Short: "Clear every key of a settings table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.settingsWipe(args[0])
	},
}

func init() {
	settingsAddCmd.Flags().BoolVar(&settingsAppend, "append", false, "append to a list instead of replacing it")
	settingsAddCmd.Flags().BoolVar(&settingsHex, "hex", false, "value is hex")
	settingsCmd.AddCommand(settingsGetCmd, settingsAddCmd, settingsDeleteCmd, settingsWipeCmd)
	rootCmd.AddCommand(settingsCmd)
}
