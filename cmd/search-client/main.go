// Command search-client is a CLI for the secure search service. It drives the
// full client pipeline: embed, hash, encrypt, upload, search, decrypt.
//
// Exit codes: 0 success, 2 authentication failure, 3 network failure,
// 4 server error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opaque/securesearch/pkg/client"
	"github.com/opaque/securesearch/pkg/hecodec"
)

const (
	exitOK      = 0
	exitAuth    = 2
	exitNetwork = 3
	exitServer  = 4
)

var (
	flagServerURL string
	flagAPIKey    string
	flagDim       int
	flagMock      bool
	flagStrip     bool
)

func buildConfig() client.Config {
	cfg := client.ConfigFromEnv()
	if flagServerURL != "" {
		cfg.ServerURL = flagServerURL
	}
	if flagAPIKey != "" {
		cfg.APIKey = flagAPIKey
	}
	if flagDim > 0 {
		cfg.EmbeddingDim = flagDim
	}
	if flagMock {
		cfg.Scheme = hecodec.SchemeMock
	}
	if flagStrip {
		cfg.StripPlaintextMetadata = true
	}
	return cfg
}

func newClient(ctx context.Context) (*client.Client, error) {
	c, err := client.New(buildConfig())
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func main() {
	root := &cobra.Command{
		Use:           "search-client",
		Short:         "Privacy-preserving vector search client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServerURL, "server", "", "server URL (default from SECURE_SEARCH_SERVER_URL)")
	root.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "bearer token (default from SECURE_SEARCH_API_KEY)")
	root.PersistentFlags().IntVar(&flagDim, "dim", 0, "embedding dimension (default 384)")
	root.PersistentFlags().BoolVar(&flagMock, "mock", false, "use the deterministic mock codec instead of CKKS")
	root.PersistentFlags().BoolVar(&flagStrip, "strip-metadata", false, "strip plaintext text fields from metadata before upload")

	root.AddCommand(initCmd(), addCmd(), searchCmd(), statsCmd(), deleteCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden {
			return exitAuth
		}
		return exitServer
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return exitNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return exitNetwork
	}
	return exitServer
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Register with the server and print the assigned client ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(c.ClientID())
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	var externalID, metadataJSON string
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Encrypt and upload a sentence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context())
			if err != nil {
				return err
			}

			var metadata map[string]any
			if metadataJSON != "" {
				if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
					return fmt.Errorf("parse --metadata: %w", err)
				}
			}

			id, err := c.AddText(cmd.Context(), args[0], metadata, externalID)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "caller-assigned unique ID")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "metadata as a JSON object")
	return cmd
}

func searchCmd() *cobra.Command {
	var topK, rerank int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search for nearest neighbors of a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context())
			if err != nil {
				return err
			}

			matches, stats, err := c.SearchText(cmd.Context(), args[0], topK, rerank)
			if err != nil {
				return err
			}

			fmt.Printf("checked %d of %d candidates in %.1f ms\n",
				stats.CandidatesChecked, stats.CandidatesFound, stats.SearchTimeMS)
			for i, m := range matches {
				fmt.Printf("%2d. %s  score=%.4f\n", i+1, m.EmbeddingID, m.Similarity)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 10, "number of results to return")
	cmd.Flags().IntVar(&rerank, "rerank", 100, "candidate budget for homomorphic scoring")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print server-side counters for this client",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <embedding-id>",
		Short: "Soft-delete an embedding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid embedding ID %q: %w", args[0], err)
			}
			return c.Delete(cmd.Context(), id)
		},
	}
}
