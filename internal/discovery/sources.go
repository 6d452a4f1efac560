package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/developer-mesh/capability-server/internal/config"
	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/resilience"
)

// Source enumerates capability envelopes. Enumeration failures for single
// entries become rejections; a source-level error aborts only that source.
type Source interface {
	Name() string
	Enumerate(ctx context.Context) ([]*models.Capability, []Rejection, error)
}

// ExplicitSource serves a fixed list of capabilities, typically the
// built-in provider set wired at boot.
type ExplicitSource struct {
	name string
	caps []*models.Capability
}

func NewExplicitSource(name string, caps []*models.Capability) *ExplicitSource {
	return &ExplicitSource{name: name, caps: caps}
}

func (s *ExplicitSource) Name() string { return s.name }

func (s *ExplicitSource) Enumerate(ctx context.Context) ([]*models.Capability, []Rejection, error) {
	return s.caps, nil, nil
}

// FileSource reads a JSON file holding a capability list.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource { return &FileSource{path: path} }

func (s *FileSource) Name() string { return "file:" + s.path }

func (s *FileSource) Enumerate(ctx context.Context) ([]*models.Capability, []Rejection, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, models.WrapError(models.ErrNotFound, err, "cannot read capability file %s", s.path)
	}
	caps, err := decodeCapabilities(data)
	if err != nil {
		return nil, []Rejection{{Source: s.Name(), Reason: err.Error()}}, nil
	}
	for _, c := range caps {
		if c.Source == "" {
			c.Source = s.Name()
		}
	}
	return caps, nil, nil
}

const defaultIncludePattern = "*.capability.json"

// ModuleScanSource walks configured roots for capability definition files.
type ModuleScanSource struct {
	cfg config.ModuleScanConfig
}

func NewModuleScanSource(cfg config.ModuleScanConfig) *ModuleScanSource {
	if cfg.IncludePattern == "" {
		cfg.IncludePattern = defaultIncludePattern
	}
	return &ModuleScanSource{cfg: cfg}
}

func (s *ModuleScanSource) Name() string { return "module_scan" }

func (s *ModuleScanSource) Enumerate(ctx context.Context) ([]*models.Capability, []Rejection, error) {
	var caps []*models.Capability
	var rejected []Rejection

	for _, root := range s.cfg.Roots {
		err := filepath.WalkDir(root, func(file string, d os.DirEntry, err error) error {
			if err != nil {
				rejected = append(rejected, Rejection{Source: file, Reason: err.Error()})
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !s.matches(d.Name()) {
				return nil
			}

			data, readErr := os.ReadFile(file)
			if readErr != nil {
				rejected = append(rejected, Rejection{Source: file, Reason: readErr.Error()})
				return nil
			}
			parsed, parseErr := decodeCapabilities(data)
			if parseErr != nil {
				rejected = append(rejected, Rejection{Source: file, Reason: parseErr.Error()})
				return nil
			}
			for _, c := range parsed {
				c.Source = file
				caps = append(caps, c)
			}
			return nil
		})
		if err != nil {
			return caps, rejected, models.WrapError(models.ErrInternal, err, "module scan of %s aborted", root)
		}
	}
	return caps, rejected, nil
}

func (s *ModuleScanSource) matches(name string) bool {
	ok, err := path.Match(s.cfg.IncludePattern, name)
	if err != nil || !ok {
		return false
	}
	if s.cfg.ExcludePattern != "" {
		if excluded, _ := path.Match(s.cfg.ExcludePattern, name); excluded {
			return false
		}
	}
	return true
}

// RemoteManifestSource fetches capability envelopes over HTTP. One
// backoff-retried attempt per refresh; a directory outage never fails
// the refresh, it only empties this source.
type RemoteManifestSource struct {
	cfg   config.RemoteManifestConfig
	http  *http.Client
	retry resilience.RetryConfig
}

func NewRemoteManifestSource(cfg config.RemoteManifestConfig) *RemoteManifestSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retry := resilience.DefaultRetryConfig()
	retry.RetryIf = func(err error) bool { return models.Transient(models.KindOf(err)) }
	return &RemoteManifestSource{
		cfg:   cfg,
		http:  &http.Client{Timeout: timeout},
		retry: retry,
	}
}

func (s *RemoteManifestSource) Name() string { return "remote_manifest:" + s.cfg.URL }

func (s *RemoteManifestSource) Enumerate(ctx context.Context) ([]*models.Capability, []Rejection, error) {
	caps, err := resilience.RetryWithResult(ctx, s.retry, func() ([]*models.Capability, error) {
		return s.fetch(ctx)
	})
	if err != nil {
		return nil, nil, err
	}
	for _, c := range caps {
		c.Source = s.cfg.URL
	}
	return caps, nil, nil
}

func (s *RemoteManifestSource) fetch(ctx context.Context) ([]*models.Capability, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, models.WrapError(models.ErrInvalidArgument, err, "bad manifest URL %q", s.cfg.URL)
	}
	if s.cfg.AuthHeader != "" {
		req.Header.Set("Authorization", s.cfg.AuthHeader)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, models.WrapError(models.ErrUpstreamUnavailable, err, "manifest fetch failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		kind := models.ErrUpstreamUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = models.ErrInvalidArgument
		}
		return nil, models.NewError(kind, "manifest fetch returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, models.WrapError(models.ErrUpstreamUnavailable, err, "manifest read failed")
	}
	return decodeCapabilities(data)
}

// decodeCapabilities accepts either a bare JSON array of envelopes or a
// {"capabilities": [...]} wrapper.
func decodeCapabilities(data []byte) ([]*models.Capability, error) {
	var list []*models.Capability
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapper struct {
		Capabilities []*models.Capability `json:"capabilities"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("not a capability list: %w", err)
	}
	return wrapper.Capabilities, nil
}
