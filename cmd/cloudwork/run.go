package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/conversation"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/store"
)

func newRunCommand(c *cli) *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one task from the terminal",
		Long:  "Starts a planning run, prints the stream, and asks before executing the plan.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := c.buildApp()
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = application.tracing.Shutdown(ctx)
				_ = application.engine.Close(ctx)
			}()

			prompt := strings.Join(args, " ")
			return runOnce(cmd.Context(), application, prompt, autoApprove)
		},
	}

	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "Approve proposed plans without asking")
	return cmd
}

func runOnce(ctx context.Context, application *app, prompt string, autoApprove bool) error {
	engine := application.engine

	session, err := engine.NewSession(ctx, prompt)
	if err != nil {
		return err
	}
	taskID, err := engine.StartRun(ctx, session.ID, prompt, nil)
	if err != nil {
		return err
	}
	color.White("task %s", taskID)

	stdin := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return engine.StopTask(context.Background(), taskID)
		case n := <-engine.Notifications():
			if n.TaskID != taskID {
				continue
			}
			switch n.Type {
			case conversation.NotifyMessageAppended:
				printEntry(n.Message, n.Files)
			case conversation.NotifyPlanProposed:
				printPlan(n.Plan)
				approve := autoApprove
				if !approve {
					approve = askYesNo(stdin, "execute this plan?")
				}
				if approve {
					if err := engine.ApprovePlan(ctx); err != nil {
						return err
					}
				} else {
					if err := engine.RejectPlan(); err != nil {
						return err
					}
					return nil
				}
			case conversation.NotifyQuestionAsked:
				for _, q := range n.Questions {
					color.Cyan("? %s", q.Text)
					for _, opt := range q.Options {
						fmt.Printf("  - %s\n", opt)
					}
				}
				fmt.Print("> ")
				answer, err := stdin.ReadString('\n')
				if err != nil {
					return err
				}
				if err := engine.Continue(ctx, strings.TrimSpace(answer)); err != nil {
					return err
				}
			case conversation.NotifyPermissionRequested:
				if n.Permission == nil {
					continue
				}
				allow := autoApprove || askYesNo(stdin, fmt.Sprintf("allow tool %s?", n.Permission.ToolName))
				if err := engine.RespondPermission(ctx, n.Permission.RequestID, allow); err != nil {
					return err
				}
			case conversation.NotifyError:
				color.Red("error: %s", n.Error)
			case conversation.NotifyTaskFinished:
				if n.Status == store.TaskRunning {
					color.Yellow("turn limit reached; run again with a follow-up to continue")
					return nil
				}
				color.Green("task %s", n.Status)
				return nil
			}
		}
	}
}

func printEntry(entry *conversation.Entry, files []string) {
	if entry == nil {
		return
	}
	switch entry.Type {
	case store.MessageText, store.MessageResult:
		fmt.Println(entry.Content)
	case store.MessageToolUse:
		color.Cyan("[%s]", entry.ToolName)
	case store.MessageToolResult:
		if out := strings.TrimSpace(entry.ToolOutput); out != "" {
			color.HiBlack("%s", truncate(out, 400))
		}
		for _, file := range files {
			color.Magenta("generated %s", file)
		}
	case store.MessageError:
		color.Red("%s", entry.Content)
	}
}

func printPlan(plan *conversation.Plan) {
	if plan == nil {
		return
	}
	color.Yellow("plan: %s", plan.Goal)
	for i, step := range plan.Steps {
		fmt.Printf("  %d. %s\n", i+1, step.Description)
	}
	if plan.Notes != "" {
		color.HiBlack("%s", plan.Notes)
	}
}

func askYesNo(stdin *bufio.Reader, question string) bool {
	fmt.Printf("%s [y/N] ", question)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
