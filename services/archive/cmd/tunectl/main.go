package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	tus3 "tuned/pkg/s3"
	"tuned/services/archive"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tunectl",
		Short:         "Utility for managing tuned training runs and bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunsCommand())
	cmd.AddCommand(newBundlesCommand())
	return cmd
}

func apiBase() string {
	base := strings.TrimSpace(os.Getenv("TUNED_API"))
	if base == "" {
		base = "http://localhost:8080"
	}
	return strings.TrimRight(base, "/")
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Submit and inspect training runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRunsSubmitCommand())
	cmd.AddCommand(newRunsStatusCommand())
	cmd.AddCommand(newRunsLogsCommand())
	cmd.AddCommand(newRunsCancelCommand())
	return cmd
}

func newRunsSubmitCommand() *cobra.Command {
	var (
		recipe     string
		baseModel  string
		datasetRef string
		configJSON string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new training run",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"recipe":     recipe,
				"base_model": baseModel,
			}
			if datasetRef != "" {
				body["dataset_ref"] = datasetRef
			}
			if configJSON != "" {
				var cfg map[string]any
				if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
					return fmt.Errorf("parse --config: %w", err)
				}
				body["config"] = cfg
			}
			return postJSON(cmd, apiBase()+"/v1/runs", body)
		},
	}

	cmd.Flags().StringVar(&recipe, "recipe", "", "Training recipe (sft, dpo, rl, math_rl, continued_pretraining)")
	cmd.Flags().StringVar(&baseModel, "base-model", "", "Base model identifier")
	cmd.Flags().StringVar(&datasetRef, "dataset", "", "Dataset reference")
	cmd.Flags().StringVar(&configJSON, "config", "", "Run configuration as a JSON object")
	_ = cmd.MarkFlagRequired("recipe")
	_ = cmd.MarkFlagRequired("base-model")
	return cmd
}

func newRunsStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, fmt.Sprintf("%s/v1/runs/%s", apiBase(), args[0]))
		},
	}
	return cmd
}

func newRunsLogsCommand() *cobra.Command {
	var offset int64

	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print a run's log output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/runs/%s/logs?offset=%d", apiBase(), args[0], offset)
			resp, err := httpClient().Get(url)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("logs request failed: %s", strings.TrimSpace(string(data)))
			}
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}

	cmd.Flags().Int64Var(&offset, "offset", 0, "Byte offset to resume from")
	return cmd
}

func newRunsCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd, fmt.Sprintf("%s/v1/runs/%s/cancel", apiBase(), args[0]), nil)
		},
	}
	return cmd
}

func newBundlesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundles",
		Short: "Bundle build, push, and extract operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundlesBuildCommand())
	cmd.AddCommand(newBundlesPushCommand())
	cmd.AddCommand(newBundlesExtractCommand())
	return cmd
}

func newBundlesBuildCommand() *cobra.Command {
	var (
		runID  string
		runDir string
		output string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed bundle from a run directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := archive.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = archive.Build(commandContext(cmd), archive.BuildConfig{
				RunID:  runID,
				RunDir: runDir,
				Output: output,
				Signer: signer,
				Stdout: cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run identifier recorded in the manifest")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "Run working directory to bundle")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("run-dir")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundlesPushCommand() *cobra.Command {
	var (
		bundleFile string
		runID      string
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Register a bundle with the API and upload it to S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			s3Client, err := tus3.NewClientFromEnv()
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			return archive.Push(commandContext(cmd), archive.PushConfig{
				BundlePath: bundleFile,
				RunID:      runID,
				APIBaseURL: apiBase(),
				S3:         s3Client,
				Stdout:     cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&runID, "run", "", "Run the bundle belongs to")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newBundlesExtractCommand() *cobra.Command {
	var (
		bundleFile string
		dest       string
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Verify and unpack a bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := archive.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = archive.Extract(commandContext(cmd), archive.ExtractConfig{
				BundlePath: bundleFile,
				Dest:       dest,
				Signer:     signer,
				Stdout:     cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&dest, "dest", "", "Destination directory")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func postJSON(cmd *cobra.Command, url string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(commandContext(cmd), http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(cmd, resp)
}

func getJSON(cmd *cobra.Command, url string) error {
	req, err := http.NewRequestWithContext(commandContext(cmd), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(cmd, resp)
}

func printResponse(cmd *cobra.Command, resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(data)))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}
