package main

import (
	"context"

	"github.com/dmorgan81/fluxstudio/cmd"
	"github.com/spf13/cobra"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
