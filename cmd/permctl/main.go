// permctl is the operator CLI: health checks, price quotes, uploads, and
// x402 smoke-test payments against a running deployment.
package main

import (
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"permabundle/internal/x402"
)

var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	var baseURL string

	rootCmd := &cobra.Command{
		Use:     "permctl",
		Short:   "Operator CLI for the permanent-storage upload platform",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "http://localhost:8080", "upload service base URL")

	rootCmd.AddCommand(newHealthCmd(&baseURL))
	rootCmd.AddCommand(newPriceCmd(&baseURL))
	rootCmd.AddCommand(newUploadCmd(&baseURL))
	rootCmd.AddCommand(newStatusCmd(&baseURL))
	rootCmd.AddCommand(newX402Cmd(&baseURL))
	return rootCmd
}

func newHealthCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd.OutOrStdout(), *baseURL+"/health")
		},
	}
}

func newPriceCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "price <bytes>",
		Short: "Quote the credit cost of a byte count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("bytes must be an integer: %w", err)
			}
			return getJSON(cmd.OutOrStdout(), *baseURL+"/v1/price/bytes/"+args[0])
		},
	}
}

func newUploadCmd(baseURL *string) *cobra.Command {
	var owner, kind, payment string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file as a single-shot item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			req, err := http.NewRequest(http.MethodPost, *baseURL+"/v1/tx", f)
			if err != nil {
				return err
			}
			req.ContentLength = info.Size()
			req.Header.Set("Content-Type", "application/octet-stream")
			req.Header.Set("X-Owner", owner)
			req.Header.Set("X-Signature-Kind", kind)
			if payment != "" {
				req.Header.Set("X-PAYMENT", payment)
			}
			return doJSON(cmd.OutOrStdout(), req)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner address")
	cmd.Flags().StringVar(&kind, "kind", "ethereum", "signature kind")
	cmd.Flags().StringVar(&payment, "payment", "", "x402 X-PAYMENT header")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func newStatusCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <item-id>",
		Short: "Show where an item sits in the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd.OutOrStdout(), *baseURL+"/v1/tx/"+args[0]+"/status")
		},
	}
}

// newX402Cmd signs a throwaway-key payment header for smoke-testing the x402
// path end to end against a dev facilitator.
func newX402Cmd(baseURL *string) *cobra.Command {
	var network, payTo string
	var microUSDC int64

	cmd := &cobra.Command{
		Use:   "x402-sign",
		Short: "Sign a test x402 payment header with a fresh key",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := x402.DefaultCatalog()
			n, ok := catalog[network]
			if !ok {
				return fmt.Errorf("unknown network %q", network)
			}
			signer, err := x402.NewTestSigner()
			if err != nil {
				return err
			}
			payload, err := signer.SignPayment(n, payTo, big.NewInt(microUSDC))
			if err != nil {
				return err
			}
			header, err := payload.EncodeHeader()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "payer: %s\nX-PAYMENT: %s\n", signer.Address, header)
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "base-sepolia", "payment network")
	cmd.Flags().StringVar(&payTo, "pay-to", "", "receiving address")
	cmd.Flags().Int64Var(&microUSDC, "micro-usdc", 1_000_000, "payment value in USDC smallest units")
	cmd.MarkFlagRequired("pay-to")
	return cmd
}

func getJSON(out io.Writer, url string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doJSON(out, req)
}

func doJSON(out io.Writer, req *http.Request) error {
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusPaymentRequired {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
