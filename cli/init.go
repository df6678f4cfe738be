package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/fwatch/config"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Write a default .fwatch.yaml",
		Long: `Write a .fwatch.yaml with the default settings into a directory
(the current one by default). An existing file is kept unless --force is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(cmd, dir, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}

func runInit(cmd *cobra.Command, dir string, force bool) error {
	out := cmd.OutOrStdout()
	path := config.PathFor(dir)

	if config.Exists(path) && !force {
		fmt.Fprintln(out, warnStyle.Render("fwatch is already configured in this directory."))
		fmt.Fprintln(out, field("Config", path))
		return nil
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}

	fmt.Fprintln(out, okStyle.Render("Created "+path))
	fmt.Fprintln(out, "Edit suffixes and ignore patterns, then run: fwatch '<command>' "+dir)
	return nil
}
