package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/approval"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/file"
)

func newApprovalsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and decide pending change approvals",
	}
	cmd.AddCommand(newApprovalsListCmd(flags))
	cmd.AddCommand(newApprovalsDecideCmd(flags))
	return cmd
}

func approvalsDirFor(flags *rootFlags) (string, error) {
	root, err := flags.repoRoot()
	if err != nil {
		return "", err
	}
	runID := flags.runID
	if runID == "" {
		runID = app.LatestRunID(root)
	}
	if runID == "" {
		return "", fmt.Errorf("no runs found under %s", app.RunsDir(root))
	}
	paths, err := app.EnsureRunPaths(root, runID)
	if err != nil {
		return "", err
	}
	return paths.ApprovalsDir, nil
}

func newApprovalsListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show pending approval requests for a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := approvalsDirFor(flags)
			if err != nil {
				return err
			}
			pending, err := file.NewApprovalStore(afero.NewOsFs()).Pending(dir)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending approvals")
				return nil
			}
			out := cmd.OutOrStdout()
			for _, req := range pending {
				fmt.Fprintf(out, "%s  %s :: %s  (risk %.2f)\n", req.ApprovalID, req.FilePath, req.Symbol, req.RiskScore)
				fmt.Fprintln(out, req.Diff)
			}
			return nil
		},
	}
}

func newApprovalsDecideCmd(flags *rootFlags) *cobra.Command {
	var approve, reject bool
	var reason string

	cmd := &cobra.Command{
		Use:   "decide <approval-id>",
		Short: "Record a decision for one approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve && reject {
				return fmt.Errorf("--approve and --reject are mutually exclusive")
			}
			dir, err := approvalsDirFor(flags)
			if err != nil {
				return err
			}
			store := file.NewApprovalStore(afero.NewOsFs())
			req, err := store.LoadRequest(dir, args[0])
			if err != nil {
				return fmt.Errorf("approval %s: %w", args[0], err)
			}

			approved := approve
			if !approve && !reject {
				approved, err = promptHuman(cmd.OutOrStdout(), cmd.InOrStdin(), req)
				if err != nil {
					return err
				}
			}
			dec := approval.Decision{
				Approved:  approved,
				Reason:    reason,
				DecidedAt: run.NowISO(),
				DecidedBy: "cli",
			}
			final, err := store.SaveDecision(dir, req.ApprovalID, dec)
			if err != nil {
				return err
			}
			verdict := "rejected"
			if final.Approved {
				verdict = "approved"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", req.ApprovalID, verdict)
			return nil
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the change")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the change")
	cmd.Flags().StringVar(&reason, "reason", "", "free-form decision reason")
	return cmd
}

// promptHuman shows the diff and reads a y/n answer. Anything but an
// explicit yes rejects.
func promptHuman(out io.Writer, in io.Reader, req *approval.Request) (bool, error) {
	fmt.Fprintf(out, "%s :: %s  (risk %.2f)\n%s\napprove? [y/N] ", req.FilePath, req.Symbol, req.RiskScore, req.Diff)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
