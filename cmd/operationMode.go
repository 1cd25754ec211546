package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(getOperationModeCmd)
	rootCmd.AddCommand(setOperationModeCmd)
}

var getOperationModeCmd = &cobra.Command{
	Use:   "getOperationMode",
	Short: "Get the current operation mode bitmask",
	Long:  "Gets the current operation mode bitmask of the device",
	Run: func(cmd *cobra.Command, args []string) {
		mode, err := device.GetOperationMode()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Printf("Mode: 0x%02x\n", mode)
	},
}

var setOperationModeCmd = &cobra.Command{
	Use:   "setOperationMode [mode]",
	Short: "Set the operation mode bitmask",
	Long:  "Sets the operation mode bitmask of the device",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mode, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		if err := device.SetOperationMode(byte(mode)); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Println("Operation mode updated")
	},
}
