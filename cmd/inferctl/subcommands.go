package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/3cpo-dev/inferctl/internal/client"
	"github.com/3cpo-dev/inferctl/internal/core"
	"github.com/3cpo-dev/inferctl/internal/poller"
	"github.com/3cpo-dev/inferctl/internal/render"
	"github.com/3cpo-dev/inferctl/internal/submitter"
	"github.com/3cpo-dev/inferctl/internal/telemetry"
	"github.com/3cpo-dev/inferctl/pkg/api"
)

// app is everything a subcommand needs, built from flags and config.
type app struct {
	cfg     core.Config
	client  *client.Client
	display render.Display
	store   *core.Store
}

// Resolve the config and build the service client
func resolveApp(cmd *cobra.Command, withHistory bool) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := core.LoadConfig(cfgPath, envFile)
	if err != nil {
		return nil, err
	}
	if u, _ := cmd.Flags().GetString("url"); u != "" {
		cfg.Server.URL = strings.TrimRight(u, "/")
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)

	c, err := client.New(cfg.ClientOptions("inferctl/" + version))
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, client: c, display: render.NewTerminal(cmd.OutOrStdout())}

	noHistory, _ := cmd.Flags().GetBool("no-history")
	if withHistory && cfg.HistoryEnabled() && !noHistory {
		s, err := core.NewStore(cfg.History.Path)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.History.Path).Msg("History disabled")
		} else {
			a.store = s
		}
	}
	log.Debug().Str("url", cfg.Server.URL).Bool("history", a.store != nil).Msg("Resolved config")
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *app) runner(policy poller.Policy) *core.Runner {
	var h core.History
	if a.store != nil {
		h = a.store
	}
	return core.NewRunner(
		submitter.New(a.client, a.display),
		poller.New(a.client, a.display, policy),
		h,
	)
}

// stdinIsTerminal reports whether r is an interactive terminal.
var stdinIsTerminal = func(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// readText joins args into the prompt. A single "-" reads stdin, as does no
// args when stdin is piped.
func readText(cmd *cobra.Command, args []string) (string, error) {
	in := cmd.InOrStdin()
	if len(args) == 0 && stdinIsTerminal(in) {
		return "", errors.New("text required: pass it as arguments, or - to read stdin")
	}
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		b, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return strings.Join(args, " "), nil
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", "", "model name (default from config, vicuna_q2)")
	cmd.Flags().Int("dyn-batch", 0, "dynamic batch size")
	cmd.Flags().Bool("speculative", false, "enable speculative decoding")
}

func requestFromFlags(cmd *cobra.Command, cfg core.Config, text string) api.TaskRequest {
	req := cfg.TaskRequest(text)
	if cmd.Flags().Changed("model") {
		req.ModelName, _ = cmd.Flags().GetString("model")
	}
	if cmd.Flags().Changed("dyn-batch") {
		req.DynBatch, _ = cmd.Flags().GetInt("dyn-batch")
	}
	if cmd.Flags().Changed("speculative") {
		req.SpeculativeDecoding, _ = cmd.Flags().GetBool("speculative")
	}
	return req
}

func addPollFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("interval", 0, "delay between polls (default from config, 1s)")
	cmd.Flags().Int("max-attempts", 0, "give up after this many polls; 0 polls until done")
	cmd.Flags().Float64("backoff", 0, "multiply the delay by this factor after each poll")
	cmd.Flags().String("target-status", "", "target_status query parameter sent with each poll")
}

func policyFromFlags(cmd *cobra.Command, cfg core.Config) (poller.Policy, error) {
	p := cfg.PollPolicy()
	if cmd.Flags().Changed("interval") {
		p.Interval, _ = cmd.Flags().GetDuration("interval")
		if p.Interval <= 0 {
			return p, fmt.Errorf("--interval must be positive")
		}
	}
	if cmd.Flags().Changed("max-attempts") {
		p.MaxAttempts, _ = cmd.Flags().GetInt("max-attempts")
		if p.MaxAttempts < 0 {
			return p, fmt.Errorf("--max-attempts must not be negative")
		}
	}
	if cmd.Flags().Changed("backoff") {
		p.BackoffFactor, _ = cmd.Flags().GetFloat64("backoff")
		if p.BackoffFactor < 1 {
			return p, fmt.Errorf("--backoff must be >= 1")
		}
	}
	if cmd.Flags().Changed("target-status") {
		p.TargetStatus, _ = cmd.Flags().GetString("target-status")
	}
	return p, nil
}

// Submit a prompt and wait for its result
func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "send [text...]",
		Aliases: []string{"send-text"},
		Short:   "Send a prompt and poll until the task finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd, args)
			if err != nil {
				return err
			}
			a, err := resolveApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			policy, err := policyFromFlags(cmd, a.cfg)
			if err != nil {
				return err
			}
			req := requestFromFlags(cmd, a.cfg, text)
			r := a.runner(policy)

			if detach, _ := cmd.Flags().GetBool("detach"); detach {
				out, err := r.Submit(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out.Handle.TaskID)
				return nil
			}
			_, err = r.Send(cmd.Context(), req)
			return err
		},
	}
	addRequestFlags(cmd)
	addPollFlags(cmd)
	cmd.Flags().Bool("detach", false, "submit only and print the task id")
	return cmd
}

// Poll an already submitted task until it finishes
func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <task-id>",
		Short: "Poll an existing task until it finishes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			policy, err := policyFromFlags(cmd, a.cfg)
			if err != nil {
				return err
			}
			_, err = a.runner(policy).Wait(cmd.Context(), api.TaskHandle{TaskID: args[0]})
			return err
		},
	}
	addPollFlags(cmd)
	return cmd
}

// Fetch one status snapshot
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status <task-id>",
		Aliases: []string{"get-task-status"},
		Short:   "Show the current status of a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			target, _ := cmd.Flags().GetString("target-status")
			st, err := a.client.PollStatus(cmd.Context(), args[0], target)
			if err != nil {
				a.display.Error(render.MsgPollFailed)
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s (%s)\n", st.Status, st.Raw)
			if st.Result != nil {
				fmt.Fprintf(out, "result: %s\n", st.ResultText())
			}
			return nil
		},
	}
	cmd.Flags().String("target-status", "", "target_status query parameter")
	return cmd
}

// Run a prompt synchronously
func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [text...]",
		Short: "Run a prompt synchronously on the /generate route",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd, args)
			if err != nil {
				return err
			}
			a, err := resolveApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			req := requestFromFlags(cmd, a.cfg, text)
			if err := submitter.Validate(req); err != nil {
				return err
			}
			a.display.Sending(req.Text)
			resp, err := a.client.Generate(cmd.Context(), req)
			if err != nil {
				a.display.Error(render.MsgSendFailed)
				return err
			}
			if api.NormalizeStatus(resp.Status) == api.StatusFailed {
				a.display.Error(render.MsgTaskFailed)
				return poller.ErrTaskFailed
			}
			a.display.Result(resp.Result)
			return nil
		},
	}
	addRequestFlags(cmd)
	return cmd
}

// Check the service health
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "health",
		Aliases: []string{"health-check"},
		Short:   "Check that the service and its model respond",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			h, err := a.client.HealthCheck(cmd.Context())
			if err != nil {
				return fmt.Errorf("health check: %w", err)
			}
			fmt.Fprintf(out, "model: %s\n", h.Message)
			if redis, _ := cmd.Flags().GetBool("redis"); redis {
				r, err := a.client.TestRedis(cmd.Context())
				if err != nil {
					return fmt.Errorf("redis check: %w", err)
				}
				fmt.Fprintf(out, "redis: %s\n", r.Status)
			}
			return nil
		},
	}
	cmd.Flags().Bool("redis", false, "also check the result backend")
	return cmd
}

// List task ids known to the service
func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List task ids known to the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ids, err := a.client.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

// Show the local submission history
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent submissions recorded locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.store == nil {
				return errors.New("history is disabled")
			}
			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := a.store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SUBMITTED\tTASK\tMODEL\tSTATUS\tTEXT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.SubmittedAt.Format(time.DateTime), orDash(e.TaskID), e.Request.ModelName, e.Status, clip(e.Request.Text, 40))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of entries to show; 0 shows all")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
