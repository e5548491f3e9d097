package commands

import (
	"log/slog"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(checkLoginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in by scanning a WeChat QR code.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		a.svc.StartQRLogin()
		select {
		case ok := <-a.loginStatus:
			if ok {
				slog.Info("login succeeded, session saved")
			} else {
				slog.Error("login failed")
			}
		case <-cmd.Context().Done():
			a.svc.StopQRLogin()
			slog.Warn("login canceled")
		}
		return nil
	},
}

var checkLoginCmd = &cobra.Command{
	Use:   "check-login",
	Short: "Verify that the saved session is still valid.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if a.svc.CheckLogin(cmd.Context()) {
			slog.Info("session is valid")
		} else {
			slog.Warn("session is invalid, run `quickdoctor login`")
		}
		return nil
	},
}
