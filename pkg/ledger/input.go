package ledger

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
)

// promptPIN asks the user for the second factor pin with masked input.
func promptPIN() (string, error) {
	magenta := color.New(color.FgMagenta).FprintFunc()
	magenta(os.Stdout, "This device requires a second factor pin for signing\n")

	prompt := promptui.Prompt{
		Label: "Pin",
		Mask:  '*',
	}
	res, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return res, nil
}

// promptConfirm lets the user know an on screen confirmation is
// required to continue.
func promptConfirm(what string) {
	cyan := color.New(color.FgCyan).Add(color.Bold).SprintFunc()
	fmt.Println(cyan("Confirm the " + what + " on your device"))
}
