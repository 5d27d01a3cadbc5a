package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/harun/toolmesh/pkg/gateway"
	"github.com/harun/toolmesh/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the agent can call",
	Long: `Resolve every configured namespace and list the resulting tool catalog.
Namespaces that fail to resolve are reported as unavailable.`,
	Args: cobra.NoArgs,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "write JSON instead of a table")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, cleanup, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	catalog := d.Catalog()
	specs, err := catalog.Specs(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to resolve tools: %w", err)
	}
	unavailable := catalog.Unavailable()
	if unavailable == nil {
		unavailable = []string{}
	}

	out := cmd.OutOrStdout()
	if toolsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(gateway.ToolsResponse{Tools: specs, Unavailable: unavailable})
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tORIGIN\tDESCRIPTION")
	for _, spec := range specs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", spec.Name, originLabel(spec.Origin), firstLine(spec.Description))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(unavailable) > 0 {
		fmt.Fprintf(out, "\nUnavailable namespaces: %s\n", strings.Join(unavailable, ", "))
	}
	return nil
}

func originLabel(o toolexecutor.ToolOrigin) string {
	if o.Namespace != "" {
		return o.Namespace
	}
	return o.Kind
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
