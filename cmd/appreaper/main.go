// Package main is the CLI entry point for appreaper.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/app_reaper/internal/config"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "appreaper",
	Short: "Habit-aware background app reaper",
	Long: `appreaper watches a set of applications, learns when and how much each
one is used, and kills the ones that linger in the background longer than
their learned grace period. Frequently used apps get longer grace periods;
memory, CPU and battery pressure shorten them.`,
	Version:      Version,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Runs the scheduling loop in the foreground until SIGINT or SIGTERM.
SIGUSR1 triggers an immediate check, SIGHUP forces a full habits save.`,
	RunE: runDaemon,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Long:  `Spawns "appreaper run" detached from the terminal with the same flags.`,
	RunE:  runStart,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask the running daemon to check all targets now",
	RunE:  runCheck,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon (habits are saved first)",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and learned habits",
	RunE:  runStatus,
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List configured targets",
	Long:  `Shows the targets the daemon would monitor, after merging --target, presets and the targets file.`,
	RunE:  runTargets,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Start the daemon at boot",
	Long: `Writes a boot hook that runs "appreaper start" with the current flags:
a Magisk service.d script when run as root, a systemd user unit otherwise.`,
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the boot hook",
	RunE:  runUninstall,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	jsonOutput  bool
	listPresets bool
)

func init() {
	config.AddFlags(rootCmd.PersistentFlags())
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	targetsCmd.Flags().BoolVar(&listPresets, "presets", false, "List built-in presets instead")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v, err := config.New(cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(v)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("appreaper %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
