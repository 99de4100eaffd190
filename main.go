package main

import (
	"github.com/spf13/cobra"

	"github.com/wutthichai46/neural-speed/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().Execute())
}
