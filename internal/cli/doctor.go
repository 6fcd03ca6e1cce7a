package cli

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/polychat/sandbox-worker/internal/config"
	"github.com/polychat/sandbox-worker/internal/sandbox"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies and worker configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}

			var problems []string

			// git is required for cloning and committing inside the sandbox.
			if _, err := exec.LookPath("git"); err != nil {
				problems = append(problems, "missing dependency: git (not found on PATH)")
			}

			if cfg.Model.BaseURL == "" {
				problems = append(problems, "model endpoint not configured (set model.base_url in config.yaml)")
			}
			if cfg.Model.APIKey == "" {
				problems = append(problems, "model API key not configured (set model.api_key in config.yaml or SANDBOX_WORKER_MODEL_API_KEY)")
			}

			// Every run needs a writable sandbox root.
			if sb, err := sandbox.NewLocal(cfg.Sandbox.Root); err != nil {
				problems = append(problems, fmt.Sprintf("sandbox root not writable: %v", err))
			} else {
				_ = sb.Destroy(cmd.Context())
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
