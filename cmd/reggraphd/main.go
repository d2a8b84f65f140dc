// Package main provides the reggraphd binary entry point.
//
// Reggraphd consumes entity batch events from a message stream and maintains
// the bitemporal provision graph in Neo4j. It also bundles offline utilities
// for extracting entities from normalized document text and for diffing two
// document versions without touching the graph.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"

	"github.com/reggraph/reggraph"
	"github.com/reggraph/reggraph/neo4jstore"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reggraphd",
		Short: "Regulatory provision graph daemon",
		Long: `Reggraphd maintains a bitemporal graph of regulatory provisions.

It consumes entity batch events produced by the entity extractor, versions
provisions in Neo4j as their text changes, and preserves the full
supersession history for point-in-time queries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(&cobra.Command{
		Use:   "bootstrap",
		Short: "Create the graph database, constraints, and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return bootstrap(cmd.Context(), configPath)
		},
	})
	cmd.AddCommand(extractCmd())
	cmd.AddCommand(diffCmd())
	return cmd
}

// serve runs the consumer until the process is signalled to stop. In-flight
// upserts finish before shutdown completes.
func serve(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	driver, err := openDriver(cfg.Neo4j)
	if err != nil {
		return err
	}
	defer func() { _ = driver.Close(ctx) }()

	sub, err := pubsub.OpenSubscription(ctx, cfg.Pubsub.Subscription)
	if err != nil {
		return fmt.Errorf("open subscription: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = sub.Shutdown(shutdownCtx)
	}()

	store := neo4jstore.NewStore(driver, cfg.Neo4j.Database)
	consumer := reggraph.NewConsumer(sub, store)
	component.RunProc(consumer.Exec)
	return nil
}

// bootstrap prepares the configured database for holding the provision graph.
// It is idempotent and safe to re-run on deployments.
func bootstrap(ctx context.Context, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	driver, err := openDriver(cfg.Neo4j)
	if err != nil {
		return err
	}
	defer func() { _ = driver.Close(ctx) }()

	if err := neo4jstore.BootstrapDatabase(ctx, driver, cfg.Neo4j.Database); err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	fmt.Printf("Database %q is ready.\n", cfg.Neo4j.Database)
	return nil
}

func extractCmd() *cobra.Command {
	var documentID string
	var sourceURL string

	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Extract regulatory entities from a normalized text file",
		Long: `Extract runs the entity extractor over the given file and prints the
resulting entity batch event as JSON, exactly as it would be published to the
message stream.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0], documentID, sourceURL)
			if err != nil {
				return err
			}
			batch := reggraph.NewEntityBatch(doc, reggraph.Extract(doc.Text))
			return printJSON(cmd.OutOrStdout(), batch)
		},
	}
	cmd.Flags().StringVar(&documentID, "document-id", "", "Document id (defaults to the file name)")
	cmd.Flags().StringVar(&sourceURL, "source-url", "", "Source URL recorded on the document")
	return cmd
}

func diffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <old-file> <new-file>",
		Short: "Compare two document versions",
		Long: `Diff extracts entities from both files and prints the text, obligation,
threshold, and jurisdiction changes between them as JSON. The graph is not
consulted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc1, err := readDocument(args[0], "", "")
			if err != nil {
				return err
			}
			doc2, err := readDocument(args[1], "", "")
			if err != nil {
				return err
			}
			diff := reggraph.Compare(
				reggraph.Document{DocumentID: doc1.DocumentID, Text: doc1.Text, Entities: reggraph.Extract(doc1.Text)},
				reggraph.Document{DocumentID: doc2.DocumentID, Text: doc2.Text, Entities: reggraph.Extract(doc2.Text)},
			)
			return printJSON(cmd.OutOrStdout(), diff)
		},
	}
}

func openDriver(cfg Neo4jConfig) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("open neo4j driver: %w", err)
	}
	return driver, nil
}

func readDocument(path, documentID, sourceURL string) (reggraph.NormalizedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return reggraph.NormalizedDocument{}, fmt.Errorf("read document: %w", err)
	}
	if documentID == "" {
		documentID = filepath.Base(path)
	}
	sum := sha256.Sum256(data)
	return reggraph.NormalizedDocument{
		DocumentID:    documentID,
		SourceURL:     sourceURL,
		Text:          string(data),
		ContentSHA256: hex.EncodeToString(sum[:]),
		RetrievedAt:   time.Now().UTC(),
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
