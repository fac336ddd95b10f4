package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover [stun-server...]",
	Short: "Ask STUN servers for this socket's public address",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRegistry(listenFlag)
		if err != nil {
			return err
		}
		defer r.Close()

		self, err := r.Discover(cmd.Context(), args...)
		if err != nil {
			return err
		}

		pterm.DefaultTable.WithData(pterm.TableData{
			{"Local", r.LocalAddr().String()},
			{"Public", self.String()},
		}).Render()
		return nil
	},
}

func init() {
	discoverCmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "local UDP address (default from config)")
}
