package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createConfigCommand(globalFlags),
		createBackupCommand(globalFlags),
		createModsCommand(globalFlags),
		createHistoryCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Dedicated game server manager",
		Long: `Warden launches and supervises a Vintage Story dedicated server,
relays its console, and runs scheduled saves, backups and daily restarts.

Examples:
  warden run --start                 # launch the server and attach the console
  warden config init                 # write a settings file with defaults
  warden backup prune --max-files=5  # apply retention to the backup folder
  warden mods                        # list installed mods`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to the settings file (default: <data>/ModConfig/warden.toml or the user config dir)")
	return root
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the server and attach an interactive console",
		Long: `Run the manager in the foreground. Lines typed on stdin are sent to the
server console; lines starting with ':' are manager commands (:help lists them).

Examples:
  warden run
  warden run --start
  warden run --start --daemonize --logfile=/var/log/warden.out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), globalFlags.ConfigPath, *flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.Start, "start", false, "start the server immediately")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background (implies --start)")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to file")
	return cmd
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create the settings file",
	}
	initFlags := &ConfigInitFlags{}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return configInit(globalFlags.ConfigPath, *initFlags, cmd.OutOrStdout())
		},
	}
	initCmd.Flags().BoolVar(&initFlags.Force, "force", false, "overwrite an existing file")

	cmd.AddCommand(
		initCmd,
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective settings as JSON",
			RunE: func(cmd *cobra.Command, args []string) error {
				return configShow(globalFlags.ConfigPath, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Report fields that fall back to defaults",
			RunE: func(cmd *cobra.Command, args []string) error {
				return configValidate(globalFlags.ConfigPath, cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

func createBackupCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup folder maintenance",
	}
	flags := &PruneFlags{}
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete the oldest backups beyond the retention limits",
		Long: `Delete the oldest files in the backup folder until both limits hold.
The newest backup is never deleted. Flags override the settings file.

Examples:
  warden backup prune --max-files=10
  warden backup prune --max-size=20GB --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return backupPrune(globalFlags.ConfigPath, *flags, cmd.OutOrStdout())
		},
	}
	prune.Flags().StringVar(&flags.Dir, "dir", "", "backup folder (default: from settings)")
	prune.Flags().IntVar(&flags.MaxFiles, "max-files", -1, "maximum number of backups to keep (0 = unlimited)")
	prune.Flags().StringVar(&flags.MaxSize, "max-size", "", "maximum total size, e.g. 10GB (0 = unlimited)")
	prune.Flags().BoolVar(&flags.DryRun, "dry-run", false, "only list the backups")
	cmd.AddCommand(prune)
	return cmd
}

func createModsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mods",
		Short: "List the files in the server's Mods folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listMods(globalFlags.ConfigPath, cmd.OutOrStdout())
		},
	}
}

func createHistoryCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle and automation events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showHistory(cmd.Context(), globalFlags.ConfigPath, *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "number of events")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "warden", version)
		},
	}
}
