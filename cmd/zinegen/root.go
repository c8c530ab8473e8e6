package main

import (
	"fmt"
	"os"

	"github.com/Corphon/ZineForge/internal/app"
	"github.com/Corphon/ZineForge/internal/config"
	"github.com/Corphon/ZineForge/internal/utils"
	"github.com/spf13/cobra"
)

// commandContext 延迟加载配置并装配服务，子命令可在装配前修改配置
type commandContext struct {
	cfg     *config.Config
	verbose bool
	quiet   bool // 关闭服务日志
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) build(cmd *cobra.Command) (*app.App, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	logger := utils.NewLogger(cmd.ErrOrStderr())
	logger.SetLogLevel(utils.WARNING)
	if c.verbose {
		logger.SetLogLevel(utils.ParseLogLevel(cfg.LogLevel))
	}
	logger.Enable(!c.quiet)
	return app.Build(cfg, logger)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "zinegen",
		Short:         "Generate illustrated zines from a prompt",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", os.Getenv("DEBUG_MODE") == "true", "Show service logs on stderr")

	rootCmd.AddCommand(newGenerateCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))

	return rootCmd
}
