package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/SafeMPC/lit-client/cmd/probe"
	"github.com/SafeMPC/lit-client/cmd/session"
)

func main() {
	root := &cobra.Command{
		Use:           "litclient",
		Short:         "Client for threshold signing and decryption networks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		probe.New(),
		session.New(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
