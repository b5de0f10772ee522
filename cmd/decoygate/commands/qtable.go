package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lucid-vigil/decoygate/pkg/config"
	"github.com/lucid-vigil/decoygate/pkg/store"
)

func newQTableCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "qtable",
		Short: "Inspect the persisted Q-table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return fmt.Errorf("store.path is not configured")
			}

			st, err := store.Open(cfg.Store.Path, zerolog.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := st.LoadSnapshot()
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			sort.Slice(snap.Entries, func(i, j int) bool {
				if snap.Entries[i].StateKey != snap.Entries[j].StateKey {
					return snap.Entries[i].StateKey < snap.Entries[j].StateKey
				}
				return snap.Entries[i].Action < snap.Entries[j].Action
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATE\tACTION\tQ-VALUE")
			for _, e := range snap.Entries {
				fmt.Fprintf(w, "%s\t%s\t%.4f\n", e.StateKey, e.Action, e.Value)
			}
			w.Flush()

			fmt.Printf("\n%d entries, %d episodes trained, epsilon %.4f\n",
				len(snap.Entries), snap.EpisodesTrained, snap.Epsilon)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "dump the snapshot as JSON")
	return cmd
}
