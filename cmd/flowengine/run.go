package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aescanero/flowengine/internal/application/orchestrator"
	"github.com/aescanero/flowengine/internal/config"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	runFile      string
	runInputs    []string
	runMessage   string
	runThread    string
	runWorkspace string
	runVerbose   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow or agent definition in-process",
	Long: `Run a workflow or agent definition with in-memory backends. Events are
streamed to stderr and the result is printed to stdout as JSON.

Examples:
  flowengine run -f workflow.yaml --input query=hello --input limit=5
  flowengine run -f agent.yaml --message "summarize the report"`,
	Args: cobra.NoArgs,
	RunE: runDefinition,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Definition file (YAML or JSON)")
	runCmd.Flags().StringArrayVar(&runInputs, "input", nil, "Workflow input as key=value; values are parsed as JSON when possible")
	runCmd.Flags().StringVar(&runMessage, "message", "", "User message for agent definitions")
	runCmd.Flags().StringVar(&runThread, "thread", "", "Thread id for agent definitions")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "cli", "Workspace charged for the run")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Log at the configured level instead of warn")
	_ = runCmd.MarkFlagRequired("file")
}

// definitionFile holds either a workflow or an agent. A file with neither
// key is read as a bare workflow definition.
type definitionFile struct {
	Workflow *domain.WorkflowDefinition `yaml:"workflow"`
	Agent    *domain.AgentConfig        `yaml:"agent"`
	Inputs   map[string]interface{}     `yaml:"inputs"`
}

func loadDefinition(path string) (*definitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}

	var def definitionFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	if def.Workflow != nil || def.Agent != nil {
		if def.Workflow != nil && def.Agent != nil {
			return nil, fmt.Errorf("definition must hold a workflow or an agent, not both")
		}
		return &def, nil
	}

	var wf domain.WorkflowDefinition
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if len(wf.Nodes) == 0 {
		return nil, fmt.Errorf("definition has no workflow nodes and no agent")
	}
	def.Workflow = &wf
	return &def, nil
}

// parseInputs reads key=value pairs. Values that parse as JSON keep their
// type; everything else is a string.
func parseInputs(pairs []string) (map[string]interface{}, error) {
	inputs := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}

		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		inputs[key] = value
	}
	return inputs, nil
}

func runDefinition(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(runFile)
	if err != nil {
		return err
	}
	inputs, err := parseInputs(runInputs)
	if err != nil {
		return err
	}
	merged := make(map[string]interface{}, len(def.Inputs)+len(inputs))
	for k, v := range def.Inputs {
		merged[k] = v
	}
	for k, v := range inputs {
		merged[k] = v
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.StorageBackend = config.BackendMemory
	level := cfg.LogLevel
	if !runVerbose {
		level = "warn"
	}
	logger := initLogger(level)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()
		if err := eng.shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown error", zap.Error(err))
		}
	}()

	executionID := uuid.New().String()
	printer := newEventPrinter(cmd.ErrOrStderr())
	if err := printer.subscribe(ctx, eng.bus, executionID); err != nil {
		return err
	}

	var record *domain.ExecutionRecord
	if def.Agent != nil {
		record, err = eng.manager.SubmitAgent(ctx, orchestrator.AgentSubmission{
			ExecutionID: executionID,
			WorkspaceID: runWorkspace,
			Agent:       def.Agent,
			ThreadID:    runThread,
			Message:     runMessage,
		})
	} else {
		record, err = eng.manager.SubmitWorkflow(ctx, orchestrator.WorkflowSubmission{
			ExecutionID: executionID,
			WorkspaceID: runWorkspace,
			Definition:  def.Workflow,
			Inputs:      merged,
		})
	}
	if err != nil {
		return err
	}

	final, err := eng.manager.Wait(ctx, record.ID)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(cmd.ErrOrStderr(), "interrupted, cancelling run")
		if cancelErr := eng.manager.CancelExecution(context.Background(), record.ID); cancelErr != nil {
			logger.Warn("failed to cancel run", zap.Error(cancelErr))
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()
		final, err = eng.manager.Wait(waitCtx, record.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to wait for run: %w", err)
	}
	printer.drain(time.Second)

	var result interface{} = final.Result
	if final.Kind == domain.ExecutionKindAgent {
		result = final.AgentResult
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	if final.Status != domain.ExecutionStatusCompleted {
		return fmt.Errorf("execution %s %s: %s", final.ID, final.Status, final.Error)
	}
	return nil
}

// eventPrinter writes one line per bus event.
type eventPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	terminal chan struct{}
	once     sync.Once
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{out: out, terminal: make(chan struct{})}
}

// drain waits until the run's terminal event has been printed so the result
// is written after the event log.
func (p *eventPrinter) drain(timeout time.Duration) {
	select {
	case <-p.terminal:
	case <-time.After(timeout):
	}
}

// subscribe prints the events of one run in publish order. Tokens are
// skipped; the final message carries the full text.
func (p *eventPrinter) subscribe(ctx context.Context, bus ports.EventBus, executionID string) error {
	channel := domain.ExecutionChannel(executionID)
	if _, err := bus.Subscribe(ctx, channel, p.handle); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return nil
}

func (p *eventPrinter) handle(ctx context.Context, e domain.Event) error {
	if e.Type == domain.EventTypeAgentToken {
		return nil
	}
	p.mu.Lock()
	_, err := fmt.Fprintln(p.out, formatEvent(e))
	p.mu.Unlock()
	if e.IsTerminal() {
		p.once.Do(func() { close(p.terminal) })
	}
	return err
}

// formatEvent renders an event as "time type [node] key=value ...".
func formatEvent(e domain.Event) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.Format(time.TimeOnly))
	b.WriteString(" ")
	b.WriteString(string(e.Type))
	if e.NodeID != "" {
		b.WriteString(" [")
		b.WriteString(e.NodeID)
		b.WriteString("]")
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := e.Data[k]
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}
