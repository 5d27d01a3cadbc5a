package cli

import (
	"fmt"
	"os"

	"github.com/harun/toolmesh/internal/config"
	"github.com/harun/toolmesh/internal/daemon"
	"github.com/spf13/cobra"
)

var serveNoWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the toolmesh gateway in the foreground",
	Long: `Run the toolmesh daemon in the foreground. The gateway serves invocations
over HTTP and WebSocket, namespace manifests are refreshed on schedule and the
config file is watched for namespace changes. Stop it with SIGINT or SIGTERM,
or with "toolmesh stop".`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload the config file on change")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFile(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	var opts []daemon.Option
	if configPath := config.NewLoader(cfgFile).GetConfigPath(); !serveNoWatch && fileExists(configPath) {
		opts = append(opts, daemon.WithConfigPath(configPath))
	}

	d, cleanup, err := newRuntime(cfg, opts...)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := d.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "toolmesh gateway listening on %s\n", d.Gateway().Addr())

	d.Wait()
	return nil
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
