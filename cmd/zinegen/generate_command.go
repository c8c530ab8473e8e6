package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/Corphon/ZineForge/internal/models"
	"github.com/Corphon/ZineForge/internal/services"
	"github.com/spf13/cobra"
)

// generateOutput 生成结果，分享成功时附带链接
type generateOutput struct {
	*models.ZineResult
	Share *services.ShareResponse `json:"share,omitempty"`
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var (
		share       bool
		concurrency int
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate a zine and print it as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.PageConcurrency = concurrency
			}
			ctx.quiet = quiet

			application, err := ctx.build(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			var onProgress services.ProgressFunc
			if !quiet {
				onProgress = progressPrinter(cmd.ErrOrStderr())
			}

			prompt := strings.Join(args, " ")
			result := application.ZineService().GenerateZine(cmd.Context(), prompt, onProgress)

			out := generateOutput{ZineResult: result}
			if result.Success && share {
				resp, err := application.ShareService().Save(cmd.Context(), services.ShareRequestFromResult(result))
				if err != nil {
					return fmt.Errorf("share zine: %w", err)
				}
				out.Share = resp
			}

			if err := writeJSON(cmd, out); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("generation failed at %s: %s", result.Stage, result.Error)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&share, "share", false, "Save the zine and print its share link")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Pages illustrated in parallel (default from PAGE_CONCURRENCY)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress lines or service logs")

	return cmd
}

// progressPrinter 每个进度事件输出一行
func progressPrinter(w io.Writer) services.ProgressFunc {
	return func(event services.ProgressEvent) {
		line := fmt.Sprintf("[%3d%%] %-10s %s", event.Percent, event.Step, event.Status)
		if event.Error != "" {
			line += " (" + event.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
}
