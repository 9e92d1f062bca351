package main

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/carrot-ci/carrot/pkg/fetcher"
	"github.com/carrot-ci/carrot/pkg/wdl"
	"github.com/spf13/cobra"
)

var (
	combineOutput     string
	combineTestImport string
	combineEvalImport string
)

var combineCmd = &cobra.Command{
	Use:   "combine <test-wdl> <eval-wdl>",
	Short: "Merge a test and an eval workflow into one document",
	Long: `Fetch a test and an eval workflow (local paths, file://, http(s)://, s3://
or gs:// locations) and print the merged workflow that runs the test and
feeds its outputs into the eval.`,
	Args: cobra.ExactArgs(2),
	RunE: runCombine,
}

func init() {
	combineCmd.Flags().StringVarP(&combineOutput, "output", "o", "",
		"write the merged document to this file instead of stdout")
	combineCmd.Flags().StringVar(&combineTestImport, "test-import", "",
		"import path of the test workflow (default: its base name)")
	combineCmd.Flags().StringVar(&combineEvalImport, "eval-import", "",
		"import path of the eval workflow (default: its base name)")

	rootCmd.AddCommand(combineCmd)
}

func runCombine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Local paths are the common case on the command line.
	cfg.Fetcher.Local.Enabled = true

	if err := cfg.Fetcher.Validate(); err != nil {
		return fmt.Errorf("validating fetcher config: %w", err)
	}

	f := fetcher.NewFetcher(log, &cfg.Fetcher)
	ctx := cmd.Context()

	if ctx == nil {
		ctx = context.Background()
	}

	testDoc, err := f.Fetch(ctx, args[0])
	if err != nil {
		return fmt.Errorf("fetching test workflow: %w", err)
	}

	evalDoc, err := f.Fetch(ctx, args[1])
	if err != nil {
		return fmt.Errorf("fetching eval workflow: %w", err)
	}

	testImport := importPath(combineTestImport, args[0])
	evalImport := importPath(combineEvalImport, args[1])

	if testImport == evalImport {
		return fmt.Errorf("test and eval import paths are both %q, set --test-import or --eval-import", testImport)
	}

	merged, err := wdl.Combine(string(testDoc), testImport, string(evalDoc), evalImport)
	if err != nil {
		return fmt.Errorf("combining workflows: %w", err)
	}

	if combineOutput == "" {
		_, err := fmt.Fprint(os.Stdout, merged)

		return err
	}

	if err := os.WriteFile(combineOutput, []byte(merged), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", combineOutput, err)
	}

	log.WithField("path", combineOutput).Info("Merged workflow written")

	return nil
}

func importPath(flag, location string) string {
	if flag != "" {
		return flag
	}

	return path.Base(location)
}
