package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/UltraSive/kvstate/internal/settings"
)

func newSettingsCmd(a *app) *cobra.Command {
	var production bool
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the NDVI dashboard settings and check the backend configuration",
		Long: `Prints every dashboard setting as the dashboard would read it, with
NDVI_BACKEND_URL and NDVI_API_KEY as defaults for unset values, followed by
configuration errors and warnings and the NDVI tile URL for the current
selection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults, err := settings.LoadDefaults()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("production") {
				defaults.Production = production
			}

			rt, err := a.open(cmd.Context(), openOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			s, err := settings.Open(rt.store, defaults)
			if err != nil {
				return err
			}
			defer s.Close()

			out := struct {
				Settings settings.Snapshot `json:"settings"`
				Check    settings.Report   `json:"check"`
				TileURL  string            `json:"tile-url,omitempty"`
			}{
				Settings: s.Snapshot(),
				Check:    s.Check(defaults.Production),
			}
			out.TileURL, _ = s.CurrentTileURL()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !out.Check.Valid() {
				return fmt.Errorf("backend configuration has %d error(s)", len(out.Check.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&production, "production", false, "apply production checks (default NDVI_PRODUCTION)")
	return cmd
}
