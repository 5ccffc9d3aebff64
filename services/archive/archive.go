// Package archive builds signed tar.zst bundles from run working directories
// and extracts them with signature and checksum verification. Bundles carry
// the run's logs, metric stream, and checkpoint manifest, so a finished run
// can be moved between environments as a single verifiable file.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	filesTarPrefix   = "files"
)

// Build assembles a signed bundle from a run directory and writes the
// tar.zst archive to cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.RunDir == "" {
		return nil, errors.New("run directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.RunDir)
	if err != nil {
		return nil, fmt.Errorf("stat run dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run dir %q is not a directory", cfg.RunDir)
	}

	files, err := collectFiles(ctx, cfg.RunDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("run directory holds no files to bundle")
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	manifest := &Manifest{
		Version:          "1",
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		RunID:            cfg.RunID,
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Files:            files,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, cfg.RunDir, files); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d files)\n", cfg.Output, len(files))
	return manifest, nil
}

func collectFiles(ctx context.Context, root string) ([]ManifestFile, error) {
	var files []ManifestFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		sha, size, err := hashFile(path)
		if err != nil {
			return err
		}

		files = append(files, ManifestFile{
			Path:   rel,
			Kind:   inferKind(rel),
			Size:   size,
			SHA256: sha,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func writeBundle(output string, manifest []byte, runDir string, files []ManifestFile) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	encoder, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range files {
		fullPath := filepath.Join(runDir, filepath.FromSlash(entry.Path))
		info, err := os.Stat(fullPath)
		if err != nil {
			return fmt.Errorf("stat %q: %w", entry.Path, err)
		}
		f, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}

		header := &tar.Header{
			Name:     filepath.ToSlash(filepath.Join(filesTarPrefix, entry.Path)),
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			f.Close()
			return fmt.Errorf("write header for %q: %w", entry.Path, err)
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return fmt.Errorf("copy %q: %w", entry.Path, err)
		}
		f.Close()
	}

	return nil
}

func inferKind(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, "checkpoints.jsonl"):
		return "checkpoint-manifest"
	case strings.HasSuffix(lower, "metrics.jsonl"):
		return "metrics"
	case strings.HasSuffix(lower, ".jsonl"):
		return "jsonl"
	case strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, "logs.txt"):
		return "log"
	case strings.HasSuffix(lower, ".safetensors") || strings.HasSuffix(lower, ".pt") || strings.HasSuffix(lower, ".bin"):
		return "weights"
	case strings.HasSuffix(lower, ".json"):
		return "json"
	case strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml"):
		return "yaml"
	default:
		return "file"
	}
}

// Extract unpacks a bundle into cfg.Dest after verifying the manifest
// signature, then checks every file against its manifest digest. Nothing is
// trusted before the signature check passes.
func Extract(ctx context.Context, cfg ExtractConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Dest == "" {
		return nil, errors.New("destination directory is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bundleFile, err := os.Open(cfg.BundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tempDir, err := os.MkdirTemp("", "tuned-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	tr := tar.NewReader(decoder)
	var (
		manifestBytes []byte
		staged        = map[string]string{}
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.Clean(header.Name)
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			manifestBytes = data
			continue
		}

		targetPath := filepath.Join(tempDir, name)
		if !strings.HasPrefix(targetPath, tempDir) {
			return nil, fmt.Errorf("invalid entry path %q", name)
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir for %q: %w", name, err)
		}
		f, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", name, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return nil, fmt.Errorf("write %q: %w", name, err)
		}
		f.Close()
		staged[name] = targetPath
	}

	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != "1" {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := cfg.Signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))

	if err := os.MkdirAll(cfg.Dest, 0o755); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}

	for _, entry := range manifest.Files {
		relative := filepath.ToSlash(filepath.Clean(entry.Path))
		tarPath := filepath.ToSlash(filepath.Join(filesTarPrefix, relative))
		stagedPath, ok := staged[tarPath]
		if !ok {
			return nil, fmt.Errorf("file %q missing from archive", relative)
		}

		sha, size, err := hashFile(stagedPath)
		if err != nil {
			return nil, err
		}
		if size != entry.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", relative, entry.Size, size)
		}
		if !strings.EqualFold(sha, entry.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", relative)
		}

		destPath := filepath.Join(cfg.Dest, filepath.FromSlash(relative))
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir for %q: %w", relative, err)
		}
		if err := os.Rename(stagedPath, destPath); err != nil {
			return nil, fmt.Errorf("place %q: %w", relative, err)
		}
		fmt.Fprintf(cfg.Stdout, "extracted %s (%d bytes)\n", relative, entry.Size)
	}

	return &manifest, nil
}
