package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leafsii/stash/pkg/kv"
)

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Prints the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, ok, err := a.stash.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(value))
			return nil
		},
	}
}

// parseValue accepts any JSON document and falls back to a JSON string.
func parseValue(arg string) any {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	return arg
}

func (a *app) setCmd() *cobra.Command {
	var ttl uint64

	cmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key; values that are not valid JSON are stored as strings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prev *kv.Entry
			var err error
			if cmd.Flags().Changed("ttl") {
				prev, err = a.stash.SetWithTTL(cmd.Context(), args[0], parseValue(args[1]), ttl)
			} else {
				prev, err = a.stash.Set(cmd.Context(), args[0], parseValue(args[1]))
			}
			if err != nil {
				return err
			}
			if prev != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "replaced %s\n", string(prev.Value))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "set")
			return nil
		},
	}
	cmd.Flags().Uint64Var(&ttl, "ttl", 0, "expire the entry after this many seconds (omit to keep it forever)")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "Lists all live entries in key order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.stash.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				if e.ExpiresAt != nil {
					fmt.Fprintf(out, "%s\t%s\texpires=%s\n", e.Key, string(e.Value), e.ExpiresAt.UTC().Format(time.RFC3339))
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", e.Key, string(e.Value))
			}
			return nil
		},
	}
}

func (a *app) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm [key...]",
		Aliases: []string{"del"},
		Short:   "Removes one or more keys; absent keys are ignored",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return a.stash.Remove(cmd.Context(), args[0])
			}
			return a.stash.RemoveMany(cmd.Context(), args...)
		},
	}
}

func (a *app) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Removes every entry in the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stash.Clear(cmd.Context())
		},
	}
}
