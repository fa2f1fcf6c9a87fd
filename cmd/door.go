package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jake-scott/ryobi-gdo/internal/pkg/logging"
	"github.com/jake-scott/ryobi-gdo/internal/pkg/tiwiapi"
)

const oneShotTimeout = 30 * time.Second

var doorCmd = &cobra.Command{
	Use:   "door",
	Short: "Operate a garage door",
}

var doorOpenCmd = &cobra.Command{
	Use:   "open <device-id>",
	Short: "Open the garage door",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShotCommand(args[0], tiwiapi.OpenDoorCommand())
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("ryobi.username", "ryobi.password")
	},
}

var doorCloseCmd = &cobra.Command{
	Use:   "close <device-id>",
	Short: "Close the garage door",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShotCommand(args[0], tiwiapi.CloseDoorCommand())
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("ryobi.username", "ryobi.password")
	},
}

var lightCmd = &cobra.Command{
	Use:   "light",
	Short: "Operate the opener's light",
}

var lightOnCmd = &cobra.Command{
	Use:   "on <device-id>",
	Short: "Switch the light on",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShotCommand(args[0], tiwiapi.LightOnCommand())
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("ryobi.username", "ryobi.password")
	},
}

var lightOffCmd = &cobra.Command{
	Use:   "off <device-id>",
	Short: "Switch the light off",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShotCommand(args[0], tiwiapi.LightOffCommand())
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("ryobi.username", "ryobi.password")
	},
}

func init() {
	doorCmd.AddCommand(doorOpenCmd)
	doorCmd.AddCommand(doorCloseCmd)
	lightCmd.AddCommand(lightOnCmd)
	lightCmd.AddCommand(lightOffCmd)

	rootCmd.AddCommand(doorCmd)
	rootCmd.AddCommand(lightCmd)
}

// oneShotCommand logs in, resolves the device's module addressing,
// brings the websocket up just long enough to fire the command, and
// exits.  Delivery is fire-and-forget, matching the cloud's contract.
func oneShotCommand(deviceID string, cmd tiwiapi.Command) error {
	api := newAPIClient()

	session, err := api.Login()
	if err != nil {
		return err
	}

	detail, err := api.GetDevice(deviceID)
	if err != nil {
		return err
	}

	rt := newRealtime(session)

	connected := make(chan struct{}, 1)
	rt.WithStateHook(func(up bool) {
		if up {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), oneShotTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Run(ctx)
	}()

	select {
	case <-connected:
	case <-ctx.Done():
		return errors.New("timed out connecting to the cloud websocket")
	}

	if err := rt.SendCommand(deviceID, detail.ModuleID, detail.PortID, cmd); err != nil {
		return err
	}

	logging.Logger(nil).Infof("sent %s to %s", cmd.Name(), deviceID)

	cancel()
	<-done
	return nil
}
