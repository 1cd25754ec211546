package cmd

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/solipsis/go-ledger/pkg/ledger"
	"github.com/spf13/cobra"
)

func init() {
	verifyMessageCmd.Flags().StringVarP(&publicKey, "publicKey", "k", "", "Public key of the signer in hex")
	verifyMessageCmd.Flags().StringVarP(&message, "message", "m", "", "Message to verify")
	verifyMessageCmd.Flags().StringVarP(&signature, "signature", "s", "", "Signature in base64")

	verifyMessageCmd.MarkFlagRequired("message")
	verifyMessageCmd.MarkFlagRequired("signature")
	rootCmd.AddCommand(verifyMessageCmd)
}

var (
	publicKey string
	signature string
)

var verifyMessageCmd = &cobra.Command{
	Use:   "verifyMessage",
	Short: "Verify a signed message",
	Long:  "Verifies a signed message against its recovered or supplied public key",
	Run: func(cmd *cobra.Command, args []string) {

		raw, err := base64.StdEncoding.DecodeString(signature)
		if err != nil {
			fmt.Println("Unable to parse signature:", err)
			os.Exit(1)
		}
		sig, _, err := ledger.ParseCoreSignature(raw)
		if err != nil {
			fmt.Println("Unable to parse signature:", err)
			os.Exit(1)
		}

		key, err := sig.RecoverMessage([]byte(message), true)
		if err != nil {
			fmt.Println("Unable to recover signing key:", err)
			os.Exit(1)
		}
		if publicKey != "" {
			keyBytes, err := hex.DecodeString(publicKey)
			if err != nil {
				fmt.Println("Unable to parse public key:", err)
				os.Exit(1)
			}
			expected, err := btcec.ParsePubKey(keyBytes)
			if err != nil {
				fmt.Println("Unable to parse public key:", err)
				os.Exit(1)
			}
			if !key.IsEqual(expected) {
				fmt.Println("Signature does not match the supplied public key")
				os.Exit(1)
			}
		}

		fmt.Println("Message verified")
		fmt.Println("Signer:", hex.EncodeToString(key.SerializeCompressed()))
	},
}
