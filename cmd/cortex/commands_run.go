package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cortexrun/cortex/internal/agent"
	"github.com/cortexrun/cortex/internal/config"
	"github.com/cortexrun/cortex/pkg/models"
)

// buildRunCmd creates the "run" command: starts a fresh interactive
// session rooted at the workspace configured in cfg. Grounded on the
// teacher's buildServeCmd/buildPromptCmd flag shape (DESIGN.md C7),
// adapted from "start the gateway" to "start one interactive turn loop".
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		model      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new interactive Cortex session in the current workspace",
		Example: `  # Start a session with the default config
  cortex run

  # Override the model
  cortex run --model claude-opus-4-20250514`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), resolveConfigPath(configPath), model, "")
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&model, "model", "", "Override the default model for this session")

	return cmd
}

// buildResumeCmd creates the "resume" command: replays a conversation's
// rollout log and continues the interactive loop from where it left off
// (spec §4.3 "rollout file is the source of truth on replay").
func buildResumeCmd() *cobra.Command {
	var (
		configPath string
		model      string
	)

	cmd := &cobra.Command{
		Use:   "resume <conversation-id>",
		Short: "Resume a prior session from its rollout log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), resolveConfigPath(configPath), model, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&model, "model", "", "Override the default model for this session")

	return cmd
}

// runSession loads cfg, wires a runtime and Session, and drives an
// interactive stdin/stdout REPL until the user quits or stdin closes.
// conversationID, when non-empty, reuses an existing rollout conversation
// (resume); otherwise a new one is minted.
func runSession(ctx context.Context, configPath, modelOverride, conversationID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer rt.Close()

	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	modelID := modelOverride
	if modelID == "" {
		modelID = cfg.LLM.Providers[cfg.LLM.DefaultProvider].DefaultModel
	}

	rollout, err := agent.OpenRollout(cfg.Home, conversationID, models.SessionMeta{
		ID:        conversationID,
		Timestamp: time.Now(),
		Cwd:       cfg.Workspace.Path,
		Model:     modelID,
	})
	if err != nil {
		return fmt.Errorf("open rollout: %w", err)
	}
	defer rollout.Close()

	if _, err := rt.store.GetOrCreate(ctx, conversationID, cfg.Workspace.Path, modelID); err != nil {
		slog.Warn("session store GetOrCreate failed", "error", err)
	}

	sess := agent.NewSession(agent.SessionConfig{
		ID:            conversationID,
		Cwd:           cfg.Workspace.Path,
		ModelID:       modelID,
		Provider:      rt.provider,
		Registry:      rt.BuildRegistry(conversationID, 0),
		Policy:        rt.policy,
		Approval:      rt.approval,
		Rollout:       rollout,
		SandboxMode:   agent.DefaultSandboxMode,
		ApprovalMode:  agent.ApprovalModeOnRequest,
		MaxIterations: cfg.Session.MaxIterations,
		Subagents:     rt.executor,
	})
	defer sess.Close()

	if rt.metrics != nil {
		rt.metrics.SessionStarted()
		started := time.Now()
		defer func() { rt.metrics.SessionEnded("completed", time.Since(started).Seconds()) }()
	}

	fmt.Printf("cortex session %s (model: %s, workspace: %s)\n", conversationID, modelID, cfg.Workspace.Path)
	fmt.Println("Type a message and press enter. Ctrl-D to exit.")

	go renderEvents(sess.Events())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		sess.Submit(agent.Submission{UserTurn: &agent.UserTurnSubmission{Content: line}})
	}

	return nil
}

// renderEvents drains a Session's event channel and prints a minimal,
// line-oriented transcript. Grounded on the teacher's CLI streaming
// renderer idiom (DESIGN.md C5), simplified to stdout text since Cortex
// has no TUI.
func renderEvents(events <-chan agent.SessionEvent) {
	for ev := range events {
		switch ev.Type {
		case agent.EventAgentMessageDelta:
			if ev.Stream != nil {
				fmt.Print(ev.Stream.Text)
			}
		case agent.EventItemCompleted:
			fmt.Println()
		case agent.EventToolCall:
			if ev.ApprovalRequest != nil {
				fmt.Printf("\n[approval requested] %s: %s\n", ev.ApprovalRequest.Tool, ev.ApprovalRequest.Prompt)
			} else if ev.Stream != nil {
				fmt.Printf("\n[tool] %s\n", ev.Stream.ToolName)
			}
		case agent.EventTurnAborted:
			fmt.Println("\n[turn aborted]")
		case agent.EventError:
			fmt.Printf("\n[error] %v\n", ev.Err)
		}
	}
}
