package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Push registers a built bundle with the API and uploads it to the object
// store location the API assigned.
func Push(ctx context.Context, cfg PushConfig) error {
	if cfg.BundlePath == "" {
		return errors.New("bundle file is required")
	}
	if cfg.RunID == "" {
		return errors.New("run id is required")
	}
	if cfg.APIBaseURL == "" {
		return errors.New("api base url is required")
	}
	if cfg.S3 == nil {
		return errors.New("s3 client is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	sha, size, err := hashFile(cfg.BundlePath)
	if err != nil {
		return err
	}

	location, err := registerBundle(ctx, cfg, sha, size)
	if err != nil {
		return err
	}

	bucket, key, err := parseObjectURL(location)
	if err != nil {
		return err
	}

	f, err := os.Open(cfg.BundlePath)
	if err != nil {
		return fmt.Errorf("open bundle for upload: %w", err)
	}
	defer f.Close()

	if err := cfg.S3.PutObject(ctx, bucket, key, f, size, sha); err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}

	fmt.Fprintf(cfg.Stdout, "uploaded %s (%d bytes) to %s\n", cfg.BundlePath, size, location)
	return nil
}

func registerBundle(ctx context.Context, cfg PushConfig, sha string, size int64) (string, error) {
	body := map[string]any{
		"kind":   "bundle",
		"sha256": sha,
		"size":   size,
		"meta": map[string]any{
			"source": cfg.BundlePath,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal archive request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/runs/%s/archive", strings.TrimRight(cfg.APIBaseURL, "/"), cfg.RunID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("archive register failed: %s", strings.TrimSpace(string(data)))
	}

	var response struct {
		Artifact struct {
			URL string `json:"url"`
		} `json:"artifact"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode archive response: %w", err)
	}
	if response.Artifact.URL == "" {
		return "", errors.New("api response missing artifact url")
	}
	return response.Artifact.URL, nil
}

func parseObjectURL(url string) (string, string, error) {
	trimmed, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", fmt.Errorf("unsupported artifact url %q", url)
	}
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q", url)
	}
	return bucket, key, nil
}
