package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okkerhart/printwatch/internal/intents"
	"github.com/okkerhart/printwatch/internal/relay"
)

func newJobCmd() *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and control the current print job",
	}

	jobCmd.AddCommand(
		newJobOpCmd("status", "Show the current job", (*intents.Dispatcher).JobInfo),
		newJobOpCmd("pause", "Pause the current job", (*intents.Dispatcher).Pause),
		newJobOpCmd("resume", "Resume the paused job", (*intents.Dispatcher).Resume),
		newJobOpCmd("cancel", "Cancel the current job", (*intents.Dispatcher).Cancel),
	)
	return jobCmd
}

func newJobOpCmd(use, short string, op func(*intents.Dispatcher, context.Context, string) intents.Outcome) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [printer]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, store, err := openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			ref := ""
			if len(args) > 0 {
				ref = args[0]
			} else if def := reg.Default(); def != nil {
				ref = def.ID
			} else {
				return fmt.Errorf("no printer given and no default printer configured")
			}

			dispatcher := intents.NewDispatcher(reg, relay.NewRelay(nil, cfg.Backend, logger), logger)
			outcome := op(dispatcher, cmd.Context(), ref)

			switch outcome.Response {
			case intents.ResponseNoSuchPrinter:
				return fmt.Errorf("%s", outcome.Message)
			case intents.ResponseFailure:
				return fmt.Errorf("command failed: %s", outcome.Message)
			}

			if outcome.Snapshot != nil {
				s := outcome.Snapshot
				fmt.Printf("State:      %s\n", s.Status)
				if s.Completion != nil {
					fmt.Printf("Completion: %.1f%%\n", *s.Completion)
				}
				if s.FileName != "" {
					fmt.Printf("File:       %s\n", s.FileName)
				}
				if s.RemainingSeconds != nil {
					fmt.Printf("Remaining:  %ds\n", *s.RemainingSeconds)
				}
			} else {
				fmt.Println("OK")
			}
			return nil
		},
	}
}
