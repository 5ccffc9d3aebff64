package archive

import (
	"io"
	"net/http"
	"time"

	tus3 "tuned/pkg/s3"
)

// BuildConfig configures bundle creation from a run directory.
type BuildConfig struct {
	RunID  string
	RunDir string
	Output string
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}

// PushConfig configures uploading a bundle and registering it with the API.
type PushConfig struct {
	BundlePath string
	RunID      string
	APIBaseURL string
	HTTPClient *http.Client
	S3         *tus3.Client
	Stdout     io.Writer
}

// ExtractConfig configures verified extraction of a bundle.
type ExtractConfig struct {
	BundlePath string
	Dest       string
	Signer     *Signer
	Stdout     io.Writer
}
