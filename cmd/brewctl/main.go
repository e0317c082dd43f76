// brewctl talks to a controller over its peer UART from a host machine:
// one-shot commands, live telemetry, config editing and firmware upload.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"brewos-go/protocol"
)

var (
	portName string
	baudRate int
)

var rootCmd = &cobra.Command{
	Use:   "brewctl",
	Short: "Espresso controller serial console",
	Long: `brewctl drives a controller over the connectivity UART.

Point it at the serial device the controller's peer link is wired to:

  brewctl --port /dev/ttyUSB0 watch
  brewctl --port /dev/ttyUSB0 set-temp brew 93.5
  brewctl --port /dev/ttyUSB0 update firmware.bin`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", protocol.BaudRate, "baud rate")
	rootCmd.MarkPersistentFlagRequired("port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
