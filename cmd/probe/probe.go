package probe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SafeMPC/lit-client/internal/config"
	"github.com/SafeMPC/lit-client/internal/mpc/client"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/SafeMPC/lit-client/internal/util/command"
)

const (
	productFlag string = "product"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("probe",
		newHandshake(),
		newPrices(),
	)
}

func newHandshake() *cobra.Command {
	return &cobra.Command{
		Use:   "handshake",
		Short: "Connects to the network and prints the agreed network state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return command.WithClient(cmd.Context(), config.DefaultClientConfigFromEnv(), func(_ context.Context, c *client.Client) error {
				st, err := c.State()
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"nodes":            st.NodeSet.URLs(),
					"threshold":        st.NodeSet.Threshold(),
					"epoch":            st.Epoch,
					"networkPublicKey": st.NetworkPublicKey,
					"subnetPublicKey":  st.SubnetPublicKey,
					"latestBlockhash":  st.LatestBlockhash,
				})
			})
		},
	}
}

func newPrices() *cobra.Command {
	var product string

	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Prints connected node prices for a product, cheapest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, ok := protocol.ParseProductID(product)
			if !ok {
				return protocol.NewInvalidParamError("unknown product %q", product)
			}
			return command.WithClient(cmd.Context(), config.DefaultClientConfigFromEnv(), func(ctx context.Context, c *client.Client) error {
				prices, err := c.NodePrices(ctx, id)
				if err != nil {
					return err
				}
				rows := make([]map[string]string, 0, len(prices))
				for _, p := range prices {
					price := "unpriced"
					if v := p.Price(id); v != nil {
						price = v.String()
					}
					rows = append(rows, map[string]string{"url": p.URL, "staker": p.StakerAddress, "price": price})
				}
				return printJSON(cmd, rows)
			})
		},
	}
	cmd.Flags().StringVar(&product, productFlag, protocol.ProductSigning.String(), "Product to price: decryption, signing or lit_action")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
