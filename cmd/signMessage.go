package cmd

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/solipsis/go-ledger/pkg/ledger"
	"github.com/spf13/cobra"
)

func init() {
	signMessageCmd.Flags().StringVarP(&nodePath, "nodePath", "p", "m/44'/0'/0'/0/0", "BIP44 node path")
	signMessageCmd.Flags().StringVarP(&message, "message", "m", "", "Message to sign")
	signMessageCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(signMessageCmd)
}

var message string

var signMessageCmd = &cobra.Command{
	Use:   "signMessage",
	Short: "Sign a message with the key at a node path",
	Long:  "Signs a message with the key at a node path using the Bitcoin signed message scheme",
	Run: func(cmd *cobra.Command, args []string) {

		path, err := ledger.ParsePath(nodePath, true)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		sig, err := device.SignMessage(path, []byte(message))
		if err != nil {
			fmt.Println("Unable to sign message:", err)
			os.Exit(1)
		}

		key, err := sig.RecoverMessage([]byte(message), true)
		if err != nil {
			fmt.Println("Unable to recover signing key:", err)
			os.Exit(1)
		}
		compact, err := sig.ToCoreSignature(true)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		fmt.Println("Public key:", hex.EncodeToString(key.SerializeCompressed()))
		fmt.Println("Signature:", base64.StdEncoding.EncodeToString(compact))
	},
}
