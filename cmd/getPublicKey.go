package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/solipsis/go-ledger/pkg/ledger"
	"github.com/spf13/cobra"
)

func init() {
	getPublicKeyCmd.Flags().StringVarP(&nodePath, "nodePath", "p", "m/44'/0'/0'/0/0", "BIP44 node path")
	getPublicKeyCmd.Flags().BoolVarP(&display, "display", "d", false, "Display the address on the device")
	getPublicKeyCmd.Flags().StringVarP(&addressFormat, "format", "f", "legacy", "Address format: legacy, p2sh or bech32")
	rootCmd.AddCommand(getPublicKeyCmd)
}

var (
	display       bool
	addressFormat string
)

func parseAddressFormat(format string) (ledger.AddressType, error) {
	switch format {
	case "legacy":
		return ledger.AddressLegacy, nil
	case "p2sh":
		return ledger.AddressNestedWitness, nil
	case "bech32":
		return ledger.AddressWitness, nil
	}
	return 0, fmt.Errorf("unknown address format %q", format)
}

var getPublicKeyCmd = &cobra.Command{
	Use:   "getPublicKey",
	Short: "Get the public key and address for a node path",
	Long:  "Gets the public key, address and chain code for a BIP44 node path",
	Run: func(cmd *cobra.Command, args []string) {

		path, err := ledger.ParsePath(nodePath, true)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		addrType, err := parseAddressFormat(addressFormat)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		wpk, err := device.GetWalletPublicKey(path, display, addrType)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Println("Public key:", hex.EncodeToString(wpk.PublicKey.SerializeCompressed()))
		fmt.Println("Address:", wpk.Address)
		fmt.Println("Chain code:", hex.EncodeToString(wpk.ChainCode[:]))
	},
}
