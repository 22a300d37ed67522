package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/leafsii/stash/internal/config"
	"github.com/leafsii/stash/internal/log"
	"github.com/leafsii/stash/pkg/kv"
	"github.com/leafsii/stash/pkg/stash"

	_ "github.com/leafsii/stash/pkg/kv/file"
	_ "github.com/leafsii/stash/pkg/kv/memory"
	_ "github.com/leafsii/stash/pkg/kv/postgres"
	_ "github.com/leafsii/stash/pkg/kv/redis"
	_ "github.com/leafsii/stash/pkg/kv/sqlite"
)

// app carries the store opened for the running command.
type app struct {
	stash *stash.Stash
}

// execute runs the command line in args. The store is closed even when the
// command fails.
func execute(args []string, stdout, stderr io.Writer) error {
	a := &app{}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "stashctl",
		Short: "Inspect and edit a stash key-value store",
		Long: `stashctl operates on the store selected by STASH_URI and STASH_NAMESPACE.

Supported URIs: :memory:, memory://name, sqlite://path, *.db / *.sqlite,
postgres://..., redis://..., file:///dir`,
		SilenceUsage:      true,
		PersistentPreRunE: a.open,
	}

	root.PersistentFlags().String("uri", "", "store URI (overrides STASH_URI)")
	root.PersistentFlags().String("namespace", "", "namespace (overrides STASH_NAMESPACE)")
	root.PersistentFlags().BoolP("verbose", "v", false, "log store lifecycle events")

	root.AddCommand(
		a.getCmd(),
		a.setCmd(),
		a.listCmd(),
		a.removeCmd(),
		a.clearCmd(),
	)
	return root
}

func (a *app) open(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("uri") {
		cfg.Store.URI, _ = flags.GetString("uri")
	}
	if flags.Changed("namespace") {
		cfg.Store.Namespace, _ = flags.GetString("namespace")
	}

	var logFn kv.LogFunc
	if verbose, _ := flags.GetBool("verbose"); verbose {
		logger, err := log.NewSugar(cfg.Env)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		logFn = log.KVLogFunc(logger)
	}

	// One-shot commands never need background sweeping
	b := cfg.Builder(logFn).JanitorInterval(-1)
	a.stash, err = stash.Open(cmd.Context(), b)
	return err
}

func (a *app) close() error {
	if a.stash == nil {
		return nil
	}
	err := a.stash.Close()
	a.stash = nil
	return err
}
