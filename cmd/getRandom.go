package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(getRandomCmd)
}

var getRandomCmd = &cobra.Command{
	Use:   "getRandom [numBytes]",
	Short: "Request sample data from the hardware RNG",
	Long:  "Requests [numBytes] bytes of data from the hardware RNG",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		buf, err := device.GetRandom(byte(n))
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Println(hex.EncodeToString(buf))
	},
}
