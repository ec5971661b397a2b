package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/SafeMPC/lit-client/internal/config"
	"github.com/SafeMPC/lit-client/internal/mpc/client"
)

// NewSubcommandGroup 创建只负责分组的命令，直接调用时打印帮助
func NewSubcommandGroup(name string, subCommands ...*cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("%s related subcommands", name),
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				log.Error().Err(err).Msg("Failed to print help")
			}
		},
	}
	c.AddCommand(subCommands...)
	return c
}

// ConfigureLogger 按配置设置全局日志级别与输出格式
func ConfigureLogger(cfg config.Logger) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.PrettyPrintConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// WithClient 创建并连接客户端后执行 f，收到中断信号时取消 ctx
func WithClient(ctx context.Context, cfg config.Client, f func(ctx context.Context, c *client.Client) error, opts ...client.Option) error {
	ConfigureLogger(cfg.Logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.New(ctx, cfg, opts...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create client")
		return err
	}
	if err := c.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to connect to threshold network")
		return err
	}
	defer c.Disconnect()

	return f(ctx, c)
}
