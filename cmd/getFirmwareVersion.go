package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(getFirmwareVersionCmd)
}

var getFirmwareVersionCmd = &cobra.Command{
	Use:   "getFirmwareVersion",
	Short: "Get the version of the app running on the device",
	Long:  "Gets the version, feature flags and operation mode of the app running on the device",
	Run: func(cmd *cobra.Command, args []string) {
		version, err := device.GetFirmwareVersion()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Println("Version:", version)
		fmt.Printf("Features: 0x%02x\n", version.Features)
		fmt.Printf("Mode: 0x%02x\n", version.Mode)
	},
}
