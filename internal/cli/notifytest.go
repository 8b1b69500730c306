package cli

import (
	"github.com/spf13/cobra"

	"github.com/okkerhart/printwatch/internal/notify"
	"github.com/okkerhart/printwatch/internal/router"
	"github.com/okkerhart/printwatch/internal/types"
)

func newNotifyTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify-test",
		Short: "Send a test notification through the router",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, store, err := openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			name := "printwatch"
			if def := reg.Default(); def != nil {
				name = def.Name
			}

			r := router.NewRouter(router.Options{
				Config:   cfg.Router,
				Resolver: reg,
				Notifier: notify.NewLogNotifier(logger),
				Logger:   logger,
			})
			r.Route(types.StateEvent{PrinterName: name, IsTest: true})
			return nil
		},
	}
}
