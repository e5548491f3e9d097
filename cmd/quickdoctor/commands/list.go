package commands

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var listDeptCity *string

func init() {
	listDeptCity = departmentsCmd.Flags().String("city", "", "City id, used to pick the right subdomain.")
	rootCmd.AddCommand(citiesCmd)
	rootCmd.AddCommand(hospitalsCmd)
	rootCmd.AddCommand(departmentsCmd)
	rootCmd.AddCommand(membersCmd)
}

var citiesCmd = &cobra.Command{
	Use:   "cities",
	Short: "Prints the known cities.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Name", "Pinyin"})
		for _, city := range a.svc.Cities() {
			t.AppendRow(table.Row{city.ID, city.Name, city.Pinyin})
		}
		t.Render()
		return nil
	},
}

var hospitalsCmd = &cobra.Command{
	Use:   "hospitals [cityID]",
	Short: "Lists bookable hospitals in a city (default Shenzhen).",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		cityID := ""
		if len(args) > 0 {
			cityID = args[0]
		}
		hospitals, err := a.svc.Hospitals(cmd.Context(), cityID)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Unit ID", "Name"})
		for _, hospital := range hospitals {
			t.AppendRow(table.Row{hospital.UnitID.String(), hospital.UnitName})
		}
		t.Render()
		return nil
	},
}

var departmentsCmd = &cobra.Command{
	Use:   "departments <unitID> [--city <cityID>]",
	Short: "Lists a hospital's department tree.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		departments, err := a.svc.Departments(cmd.Context(), args[0], *listDeptCity)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Category", "Dep ID", "Name"})
		for _, category := range departments {
			for _, dep := range category.Childs {
				t.AppendRow(table.Row{category.DepName, dep.DepID.String(), dep.DepName})
			}
		}
		t.Render()
		return nil
	},
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Lists the patients registered on the logged-in account.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		members, err := a.svc.Members(cmd.Context())
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Member ID", "Name", "Certified"})
		for _, member := range members {
			t.AppendRow(table.Row{member.ID, member.Name, member.Certified})
		}
		t.Render()
		return nil
	},
}
