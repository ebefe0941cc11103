package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maestro-ai/maestro/internal/core"
)

var (
	resumeProjectName string
	resumeThreadID    string
	resumeAction      string
	resumeAnswers     []string
	resumeTargetPhase int
)

var resumeCmd = &cobra.Command{
	Use:   "resume [project-dir]",
	Short: "Resume a paused or interrupted workflow",
	Long: `Resume continues a thread from its latest checkpoint. A paused thread
resumes as-is; an interrupted one needs --action (and, for
answer_clarification, one or more --answer key=value pairs).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		name, projectDir, err := resolveProject(resumeProjectName, dir)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		orch, err := buildOrchestrator(cfg, logger, name, projectDir)
		if err != nil {
			return err
		}
		defer orch.Close()

		threadID := resumeThreadID
		if threadID == "" {
			threadID = name
		}

		response, err := buildHumanResponse()
		if err != nil {
			return err
		}

		final, err := orch.runner.Resume(cmd.Context(), threadID, response)
		return reportOutcome(cmd.Context(), orch, threadID, final, err)
	},
}

func buildHumanResponse() (*core.HumanResponse, error) {
	if resumeAction == "" {
		return nil, nil
	}
	resp := &core.HumanResponse{Action: core.HumanAction(resumeAction)}
	if resumeTargetPhase >= 0 {
		p := core.Phase(resumeTargetPhase)
		resp.TargetPhase = &p
	}
	if len(resumeAnswers) > 0 {
		resp.Answers = make(map[string]string, len(resumeAnswers))
		for _, kv := range resumeAnswers {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("invalid --answer %q, want key=value", kv)
			}
			resp.Answers[key] = value
		}
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVar(&resumeProjectName, "name", "", "project name (default: directory name)")
	resumeCmd.Flags().StringVar(&resumeThreadID, "thread", "", "thread id (default: project name)")
	resumeCmd.Flags().StringVar(&resumeAction, "action", "", "response to an interrupt: retry, skip, continue, abort, answer_clarification")
	resumeCmd.Flags().StringArrayVar(&resumeAnswers, "answer", nil, "clarification answer as key=value (repeatable)")
	resumeCmd.Flags().IntVar(&resumeTargetPhase, "target-phase", -1, "phase to retry from (with --action retry)")
}
