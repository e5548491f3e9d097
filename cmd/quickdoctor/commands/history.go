package commands

import (
	"fmt"
	"log/slog"
	"os"

	"quickdoctor/lib/configutil"
	"quickdoctor/lib/grabber"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var historyLimit *int
var presetSaveConfig *string

func init() {
	historyLimit = historyCmd.Flags().Int("limit", 50, "Maximum number of rows to print.")
	rootCmd.AddCommand(historyCmd)

	presetSaveConfig = presetSaveCmd.Flags().String("config", "grab.json5", "Config file to store under the preset name.")
	presetCmd.AddCommand(presetSaveCmd)
	presetCmd.AddCommand(presetListCmd)
	presetCmd.AddCommand(presetDeleteCmd)
	rootCmd.AddCommand(presetCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [--limit <n>]",
	Short: "Prints past runs, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		records, err := a.history.History(cmd.Context(), *historyLimit)
		if err != nil {
			return err
		}
		count, err := a.history.SuccessCount(cmd.Context())
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"When", "Member", "Hospital", "Department", "Doctor", "Date", "Slot", "Status"})
		for _, rec := range records {
			t.AppendRow(table.Row{
				rec.CreatedAt, rec.MemberName, rec.UnitName, rec.DepName,
				rec.DoctorName, rec.GrabDate, rec.TimeSlot, rec.Status,
			})
		}
		t.Render()
		fmt.Printf("successful bookings: %d\n", count)
		return nil
	},
}

var presetCmd = &cobra.Command{
	Use:   "preset",
	Short: "Manage saved run configurations.",
}

var presetSaveCmd = &cobra.Command{
	Use:   "save <name> [--config <path>]",
	Short: "Saves a config file as a named preset.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		config, err := configutil.ReadConfig[grabber.Config](*presetSaveConfig)
		if err != nil {
			return err
		}
		if err := a.history.SavePreset(cmd.Context(), args[0], config); err != nil {
			return err
		}
		slog.Info("preset saved", "name", args[0])
		return nil
	},
}

var presetListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists saved presets.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		presets, err := a.history.ListPresets(cmd.Context())
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Name", "Created", "Updated"})
		for _, preset := range presets {
			t.AppendRow(table.Row{preset.Name, preset.CreatedAt, preset.UpdatedAt})
		}
		t.Render()
		return nil
	},
}

var presetDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Deletes a saved preset.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.history.DeletePreset(cmd.Context(), args[0]); err != nil {
			return err
		}
		slog.Info("preset deleted", "name", args[0])
		return nil
	},
}
