package cli

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/toolmesh/internal/config"
	"github.com/harun/toolmesh/internal/daemon"
	"github.com/harun/toolmesh/pkg/gateway"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the status of the toolmesh daemon. When it is running, the gateway
is probed for its tool catalog and unavailable namespaces.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFile(cfg.DataDir)

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	// The PID file is written on start, so its age is the uptime.
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	probeGateway(out, cfg)
	return nil
}

// probeGateway prints the gateway health and catalog summary.
func probeGateway(out io.Writer, cfg *config.Config) {
	base := "http://" + net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	fmt.Fprintf(out, "Gateway: %s\n", base)

	client := &http.Client{Timeout: 5 * time.Second}
	if _, err := gatewayGet(client, base+"/healthz", ""); err != nil {
		fmt.Fprintf(out, "Gateway health: unreachable (%v)\n", err)
		return
	}
	fmt.Fprintln(out, "Gateway health: ok")

	body, err := gatewayGet(client, base+"/v1/tools", cfg.Gateway.SharedSecret)
	if err != nil {
		fmt.Fprintf(out, "Tools: unknown (%v)\n", err)
		return
	}
	fmt.Fprintf(out, "Tools: %d\n", gjson.GetBytes(body, "tools.#").Int())
	if unavailable := gjson.GetBytes(body, "unavailable").Array(); len(unavailable) > 0 {
		names := make([]string, 0, len(unavailable))
		for _, u := range unavailable {
			names = append(names, u.String())
		}
		fmt.Fprintf(out, "Unavailable namespaces: %v\n", names)
	}
}

func gatewayGet(client *http.Client, url, secret string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		req.Header.Set(gateway.SecretHeader, secret)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, gjson.GetBytes(body, "error").String())
	}
	return body, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
