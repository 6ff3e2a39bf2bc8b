package cmd

import (
	"github.com/spf13/cobra"

	"galaxyctl/internal/app"
)

var registerGalaxyRoot string

var registerCmd = &cobra.Command{
	Use:     "register CONFIG_FILE...",
	Aliases: []string{"add"},
	Short:   "Register Galaxy, Reports or Tool Shed declaration files",
	Long: `Register one or more declaration files. Registered files are reloaded by
every "galaxyctl update"; their services are rendered for the process manager
they select.

Examples:
  galaxyctl register /srv/galaxy/config/galaxy.yml
  galaxyctl register --galaxy-root /srv/galaxy/server galaxy.yml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(a *app.Application) error {
			_, err := a.Register(args, registerGalaxyRoot)
			return err
		})
	},
}

var deregisterCmd = &cobra.Command{
	Use:     "deregister CONFIG_FILE|INSTANCE...",
	Aliases: []string{"remove", "forget"},
	Short:   "Deregister declaration files or whole instances",
	Long: `Deregister declaration files. An instance name deregisters every file of
that instance. The artifacts of deregistered files are removed by the next
"galaxyctl update".`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(a *app.Application) error {
			_, err := a.Deregister(args)
			return err
		})
	},
}

var renameCmd = &cobra.Command{
	Use:     "rename OLD_CONFIG_FILE NEW_CONFIG_FILE",
	Aliases: []string{"reregister"},
	Short:   "Move a registration to a declaration file's new path",
	Long: `Move a registration to a new path after the declaration file was moved.
The artifacts rendered for the old path are removed by the next
"galaxyctl update".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(a *app.Application) error {
			return a.Rename(args[0], args[1])
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"configs"},
	Short:   "List registered declaration files",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFormatter(cmd)
		if err != nil {
			return err
		}
		return withApplication(cmd, func(a *app.Application) error {
			listing, err := a.List()
			if err != nil {
				return err
			}
			return f.FormatConfigs(listing.Configs, listing.Pending)
		})
	},
}

var showCmd = &cobra.Command{
	Use:     "show [CONFIG_FILE|INSTANCE...]",
	Aliases: []string{"get"},
	Short:   "Show the stored state of declarations",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFormatter(cmd)
		if err != nil {
			return err
		}
		return withApplication(cmd, func(a *app.Application) error {
			configs, err := a.Show(args)
			if err != nil {
				return err
			}
			return f.FormatConfigDetail(configs)
		})
	},
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List registered instances and their services",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFormatter(cmd)
		if err != nil {
			return err
		}
		return withApplication(cmd, func(a *app.Application) error {
			instances, err := a.Instances()
			if err != nil {
				return err
			}
			return f.FormatInstances(instances)
		})
	},
}

func init() {
	rootCmd.AddCommand(registerCmd, deregisterCmd, renameCmd, listCmd, instancesCmd, showCmd)

	registerCmd.Flags().StringVar(&registerGalaxyRoot, "galaxy-root", "", "Galaxy root directory for declarations that do not set one")
}
