package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/okkerhart/printwatch/internal/types"
)

func newPrintersCmd() *cobra.Command {
	printersCmd := &cobra.Command{
		Use:   "printers",
		Short: "Manage the printer registry",
	}

	printersCmd.AddCommand(
		newPrintersListCmd(),
		newPrintersAddCmd(),
		newPrintersRemoveCmd(),
		newPrintersDefaultCmd(),
	)
	return printersCmd
}

func newPrintersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured printers",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, store, err := openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			printers := reg.List()
			if len(printers) == 0 {
				fmt.Println("No printers configured")
				return nil
			}

			for _, p := range printers {
				marker := " "
				if p.IsDefault {
					marker = "*"
				}
				fmt.Printf("%s %-20s %-40s %s\n", marker, p.Name, p.URL, p.ID)
			}
			return nil
		},
	}
}

func newPrintersAddCmd() *cobra.Command {
	var (
		name      string
		serverURL string
		apiKey    string
		plugin    bool
	)

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a printer endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, store, err := openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			printer := types.PrinterEndpoint{
				ID:              uuid.NewString(),
				Name:            name,
				URL:             serverURL,
				APIKey:          apiKey,
				PluginInstalled: plugin,
			}
			if err := reg.Add(printer); err != nil {
				return fmt.Errorf("failed to add printer: %w", err)
			}

			fmt.Printf("Added printer %s (%s)\n", printer.Name, printer.ID)
			return nil
		},
	}

	addCmd.Flags().StringVar(&name, "name", "", "display name for the printer")
	addCmd.Flags().StringVar(&serverURL, "url", "", "base URL of the printer backend")
	addCmd.Flags().StringVar(&apiKey, "api-key", "", "API key for the printer backend")
	addCmd.Flags().BoolVar(&plugin, "plugin", false, "the backend has the companion plugin installed")
	addCmd.MarkFlagRequired("name")
	addCmd.MarkFlagRequired("url")
	return addCmd
}

func newPrintersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id-or-name>",
		Short: "Remove a printer endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, store, err := openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			printer := reg.Get(args[0])
			if printer == nil {
				printer = reg.GetByName(args[0])
			}
			if printer == nil {
				return fmt.Errorf("no printer %q", args[0])
			}

			if err := reg.Remove(printer.ID); err != nil {
				return fmt.Errorf("failed to remove printer: %w", err)
			}
			fmt.Printf("Removed printer %s\n", printer.Name)
			return nil
		},
	}
}

func newPrintersDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default <id-or-name>",
		Short: "Set the default printer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, store, err := openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			printer := reg.Get(args[0])
			if printer == nil {
				printer = reg.GetByName(args[0])
			}
			if printer == nil {
				return fmt.Errorf("no printer %q", args[0])
			}

			if err := reg.SetDefault(printer.ID); err != nil {
				return fmt.Errorf("failed to set default printer: %w", err)
			}
			fmt.Printf("Default printer is now %s\n", printer.Name)
			return nil
		},
	}
}
