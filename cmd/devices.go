package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/ryobi-gdo/internal/pkg/logging"
	"github.com/jake-scott/ryobi-gdo/internal/pkg/tiwiapi"
)

var _devicesCmdOpts struct {
	asJSON  bool
	details bool
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the garage door openers linked to the account",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doDevices(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("ryobi.username", "ryobi.password")
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&_devicesCmdOpts.asJSON, "json", false, "return the device list as JSON")
	devicesCmd.Flags().BoolVar(&_devicesCmdOpts.details, "details", false, "fetch the full state of each device")

	errPanic(viper.GetViper().BindPFlag("devices.json", devicesCmd.Flags().Lookup("json")))
	errPanic(viper.GetViper().BindPFlag("devices.details", devicesCmd.Flags().Lookup("details")))

	rootCmd.AddCommand(devicesCmd)
}

type deviceListing struct {
	tiwiapi.Device
	Detail *tiwiapi.DeviceDetail `json:"Detail,omitempty"`
}

func doDevices() error {
	api := newAPIClient()

	if _, err := api.Login(); err != nil {
		return err
	}

	devices, err := api.Devices()
	if err != nil {
		return err
	}

	listings := make([]deviceListing, 0, len(devices))
	for _, d := range devices {
		listing := deviceListing{Device: d}

		if viper.GetBool("devices.details") {
			detail, err := api.GetDevice(d.ID)
			if err != nil {
				logging.Logger(nil).WithError(err).Errorf("fetching detail for %s", d.ID)
			} else {
				listing.Detail = detail
			}
		}

		listings = append(listings, listing)
	}

	if viper.GetBool("devices.json") {
		b, err := json.MarshalIndent(listings, "", "    ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tLAST SEEN\tDOOR")
	for _, l := range listings {
		door := "-"
		if l.Detail != nil {
			door = l.Detail.State.Door.String()
		}

		lastSeen := "-"
		if !l.LastSeen.IsZero() {
			lastSeen = l.LastSeen.Format("2006-01-02 15:04:05")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.ID, l.Name, l.Version, lastSeen, door)
	}

	return w.Flush()
}
