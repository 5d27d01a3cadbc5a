package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/agent"
	"github.com/spf13/cobra"
)

var (
	runStream      bool
	runBypassCache bool
	runJSON        bool
)

var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "Run one agent invocation",
	Long: `Run one agent invocation against the configured model and tools.
The final answer is written to stdout. With --stream, content is written as it
arrives and tool activity is reported on stderr.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runStream, "stream", false, "stream content and tool activity")
	runCmd.Flags().BoolVar(&runBypassCache, "bypass-cache", false, "skip the tool result cache")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "write JSON instead of text")
	rootCmd.AddCommand(runCmd)
}

// runOutput is the --json form of a finished invocation.
type runOutput struct {
	Content    string           `json:"content"`
	Final      string           `json:"final"`
	State      agent.State      `json:"state"`
	Iterations int              `json:"iterations"`
	Usage      agent.TokenUsage `json:"usage"`
	TraceID    string           `json:"trace_id"`
	Error      string           `json:"error,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	input := strings.TrimSpace(strings.Join(args, " "))
	if input == "" {
		return fmt.Errorf("input is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, cleanup, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	traceID := tracing.NewTraceID()
	ctx = tracing.WithTraceID(ctx, traceID)

	in := agent.Input{Input: input, BypassCache: runBypassCache}
	if runStream {
		return streamRun(ctx, cmd, d.Loop(), in, traceID)
	}

	result, runErr := d.Loop().Run(ctx, in)
	if runJSON {
		if err := writeRunOutput(cmd.OutOrStdout(), result, runErr, traceID); err != nil {
			return err
		}
		return runErr
	}
	if runErr != nil {
		return runErr
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Content)
	return nil
}

func streamRun(ctx context.Context, cmd *cobra.Command, loop *agent.Loop, in agent.Input, traceID string) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	enc := json.NewEncoder(out)

	stream := loop.Stream(ctx, in)
	for chunk := range stream.Chunks() {
		if runJSON {
			if err := enc.Encode(chunk); err != nil {
				stream.Close()
			}
			continue
		}
		switch chunk.Type {
		case agent.ChunkContent:
			fmt.Fprint(out, chunk.Payload)
		case agent.ChunkToolInvoked:
			if call, ok := chunk.Payload.(agent.ToolCall); ok {
				fmt.Fprintf(errOut, "-> %s\n", call.Name)
			}
		case agent.ChunkToolResult:
			if res, ok := chunk.Payload.(agent.ToolResultPayload); ok {
				status := "ok"
				if res.IsError {
					status = "error"
				}
				fmt.Fprintf(errOut, "<- %s (%s)\n", res.Name, status)
			}
		}
	}

	result, err := stream.Wait()
	if runJSON {
		if werr := writeRunOutput(out, result, err, traceID); werr != nil {
			return werr
		}
		return err
	}
	fmt.Fprintln(out)
	return err
}

func writeRunOutput(w io.Writer, result *agent.Result, runErr error, traceID string) error {
	output := runOutput{TraceID: traceID}
	if result != nil {
		output.Content = result.Content
		output.Final = result.Final.Content
		output.State = result.State
		output.Iterations = result.Iterations
		output.Usage = result.Usage
	}
	if runErr != nil {
		output.Error = runErr.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
