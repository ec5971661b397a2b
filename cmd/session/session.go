package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/spf13/cobra"

	"github.com/SafeMPC/lit-client/internal/auth"
	"github.com/SafeMPC/lit-client/internal/config"
	"github.com/SafeMPC/lit-client/internal/mpc/client"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/SafeMPC/lit-client/internal/util/command"
)

const (
	walletKeyEnv = "LIT_WALLET_PRIVATE_KEY"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("session",
		newSigs(),
	)
}

func newSigs() *cobra.Command {
	var (
		product  string
		maxPrice string
	)

	cmd := &cobra.Command{
		Use:   "sigs",
		Short: "Creates per-node session signatures using the wallet key in " + walletKeyEnv,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, ok := protocol.ParseProductID(product)
			if !ok {
				return protocol.NewInvalidParamError("unknown product %q", product)
			}
			var price *big.Int
			if maxPrice != "" {
				if price, ok = new(big.Int).SetString(maxPrice, 10); !ok {
					return protocol.NewInvalidParamError("max price %q is not a decimal integer", maxPrice)
				}
			}

			signer, err := auth.NewPrivateKeySignerFromHex(os.Getenv(walletKeyEnv))
			if err != nil {
				return err
			}
			ac, err := auth.NewEoaContext(auth.EoaParams{
				Signer: signer,
				Common: auth.Common{ResourceAbilityRequests: requestsFor(id)},
			})
			if err != nil {
				return err
			}

			return command.WithClient(cmd.Context(), config.DefaultClientConfigFromEnv(), func(ctx context.Context, c *client.Client) error {
				sigs, err := c.GetSessionSigs(ctx, client.SessionSigsRequest{
					AuthContext: ac,
					Product:     id,
					MaxPrice:    price,
				})
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(sigs, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&product, "product", protocol.ProductSigning.String(), "Product the signatures are for: decryption, signing or lit_action")
	cmd.Flags().StringVar(&maxPrice, "max-price", "", "Per-node price ceiling in wei, defaults to the configured value")
	return cmd
}

// requestsFor 产品对应的通配能力
func requestsFor(product protocol.ProductID) []auth.ResourceAbilityRequest {
	switch product {
	case protocol.ProductDecryption:
		return []auth.ResourceAbilityRequest{{
			Resource: auth.NewResource(auth.ResourceAccessControlCondition, auth.Wildcard),
			Ability:  auth.AbilityAccessControlConditionDecryption,
		}}
	case protocol.ProductLitAction:
		return []auth.ResourceAbilityRequest{{
			Resource: auth.NewResource(auth.ResourceLitAction, auth.Wildcard),
			Ability:  auth.AbilityLitActionExecution,
		}}
	default:
		return []auth.ResourceAbilityRequest{{
			Resource: auth.NewResource(auth.ResourcePKP, auth.Wildcard),
			Ability:  auth.AbilityPKPSigning,
		}}
	}
}
