package commands

import (
	"log/slog"

	"quickdoctor/lib/configutil"
	"quickdoctor/lib/grabber"

	"github.com/spf13/cobra"
)

var grabConfigPath *string
var grabPreset *string

func init() {
	grabConfigPath = grabCmd.Flags().String("config", "grab.json5", "Path to the run configuration file.")
	grabPreset = grabCmd.Flags().String("preset", "", "Run a saved preset instead of a config file.")
	rootCmd.AddCommand(grabCmd)
}

var grabCmd = &cobra.Command{
	Use:   "grab [--config <path/to/grab.json5>] [--preset <name>]",
	Short: "Run the acquisition loop until a slot is booked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		var config grabber.Config
		if *grabPreset != "" {
			loaded, err := a.history.LoadPreset(cmd.Context(), *grabPreset)
			if err != nil {
				return err
			}
			if loaded == nil {
				slog.Error("preset not found", "name", *grabPreset)
				return nil
			}
			config = *loaded
		} else {
			config, err = configutil.ReadConfig[grabber.Config](*grabConfigPath)
			if err != nil {
				return err
			}
		}

		if err := a.svc.StartGrab(config); err != nil {
			return err
		}

		select {
		case result := <-a.grabFinished:
			if result.Success && result.Detail != nil {
				slog.Info("booked",
					"hospital", result.Detail.UnitName,
					"department", result.Detail.DepName,
					"doctor", result.Detail.DoctorName,
					"date", result.Detail.Date,
					"slot", result.Detail.TimeSlot,
				)
			} else {
				slog.Error("run finished without booking", "reason", result.Message)
			}
		case <-cmd.Context().Done():
			a.svc.StopGrab()
			// let the run flush its final state
			<-a.grabFinished
			slog.Warn("run stopped")
		}
		return nil
	},
}
