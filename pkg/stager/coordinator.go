// Package stager moves corpus data between the storage tier and the
// processing host.
//
// Storage is authoritative. Before a pipeline run the coordinator stages
// the resource's config and sources into a work directory, and after a
// successful run it syncs the produced exports back. The input fingerprint
// computed during staging lets the scheduler skip runs whose inputs have
// not changed.
package stager

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/annolab/corpusd/pkg/provider"
)

// Storage layout under a resource's prefix.
const (
	sourceDir = "source"
	exportDir = "export"
)

// ConfigKey returns the storage key of a resource's pipeline configuration.
func ConfigKey(resourceID string) string {
	return resourceID + "/" + ConfigFileName
}

// SourcePrefix returns the storage prefix holding a resource's source
// documents.
func SourcePrefix(resourceID string) string {
	return resourceID + "/" + sourceDir + "/"
}

// ExportPrefix returns the storage prefix holding a resource's exports.
func ExportPrefix(resourceID string) string {
	return resourceID + "/" + exportDir + "/"
}

// StageResult reports what staging found and placed in the work directory.
type StageResult struct {
	// Fingerprint is the canonical digest of the staged inputs.
	Fingerprint string

	// SourceCount is the number of staged source documents.
	SourceCount int

	// PriorExports reports whether storage already holds exports from an
	// earlier run of this resource.
	PriorExports bool

	// Config is the parsed scheduler-visible configuration subset.
	Config *CorpusConfig
}

// Coordinator syncs resource data between a storage provider and local
// work directories.
type Coordinator struct {
	prov    provider.Provider
	getter  provider.ObjectGetter
	putter  provider.ObjectPutter
	deleter provider.ObjectDeleter

	// exportBlacklist holds glob patterns for export files that never
	// leave the processing host (intermediate pipeline artifacts).
	exportBlacklist []string

	log *zap.Logger
}

// New builds a coordinator over a provider. The provider must support
// object reads, writes, and deletes in addition to the core listing
// surface.
func New(prov provider.Provider, exportBlacklist []string, log *zap.Logger) (*Coordinator, error) {
	if prov == nil {
		return nil, fmt.Errorf("storage provider is required")
	}
	getter, ok := prov.(provider.ObjectGetter)
	if !ok {
		return nil, fmt.Errorf("storage provider does not support object reads")
	}
	putter, ok := prov.(provider.ObjectPutter)
	if !ok {
		return nil, fmt.Errorf("storage provider does not support object writes")
	}
	deleter, ok := prov.(provider.ObjectDeleter)
	if !ok {
		return nil, fmt.Errorf("storage provider does not support object deletes")
	}
	for _, pattern := range exportBlacklist {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid export blacklist pattern %q", pattern)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		prov:            prov,
		getter:          getter,
		putter:          putter,
		deleter:         deleter,
		exportBlacklist: exportBlacklist,
		log:             log,
	}, nil
}

// Stage copies a resource's config and sources from storage into workDir
// and computes the input fingerprint over what it copied.
//
// Preconditions surface as SyncError wrapping ErrNoSources or ErrNoConfig.
func (c *Coordinator) Stage(ctx context.Context, resourceID, workDir string) (*StageResult, error) {
	sources, err := c.listAll(ctx, SourcePrefix(resourceID))
	if err != nil {
		return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: err}
	}
	if len(sources) == 0 {
		return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: ErrNoSources}
	}

	configData, err := c.readObject(ctx, ConfigKey(resourceID))
	if err != nil {
		if provider.IsNotFound(err) {
			return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: ErrNoConfig}
		}
		return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: err}
	}

	cfg, err := ParseConfig(configData, resourceID)
	if err != nil {
		return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: err}
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: fmt.Errorf("create work dir: %w", err)}
	}

	var fp fingerprintBuilder
	if err := writeFile(filepath.Join(workDir, ConfigFileName), configData); err != nil {
		return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: err}
	}
	if _, err := fp.addReader(ConfigFileName, strings.NewReader(string(configData))); err != nil {
		return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: err}
	}

	for _, obj := range sources {
		rel := strings.TrimPrefix(obj.Key, SourcePrefix(resourceID))
		if rel == "" || strings.Contains(rel, "..") {
			return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: fmt.Errorf("unsafe source key %q", obj.Key)}
		}
		if err := c.stageSource(ctx, obj.Key, rel, workDir, &fp); err != nil {
			return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: err}
		}
	}

	exports, err := c.listAll(ctx, ExportPrefix(resourceID))
	if err != nil {
		return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: err}
	}

	sum, err := fp.sum()
	if err != nil {
		return nil, &SyncError{Op: "stage", ResourceID: resourceID, Err: err}
	}

	c.log.Debug("staged resource",
		zap.String("resource_id", resourceID),
		zap.Int("sources", len(sources)),
		zap.Bool("prior_exports", len(exports) > 0))

	return &StageResult{
		Fingerprint:  sum,
		SourceCount:  len(sources),
		PriorExports: len(exports) > 0,
		Config:       cfg,
	}, nil
}

func (c *Coordinator) stageSource(ctx context.Context, key, rel, workDir string, fp *fingerprintBuilder) error {
	body, _, err := c.getter.GetObject(ctx, key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = body.Close() }()

	dest := filepath.Join(workDir, sourceDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create source dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fp.addReader(path.Join(sourceDir, rel), io.TeeReader(body, f)); err != nil {
		return err
	}
	return f.Close()
}

// Unstage syncs the exports produced in workDir back to storage, replacing
// any exports from earlier runs. Files matching the export blacklist stay
// on the processing host.
//
// Returns SyncError wrapping ErrNoExports when the run produced nothing.
func (c *Coordinator) Unstage(ctx context.Context, resourceID, workDir string) error {
	localExports := filepath.Join(workDir, exportDir)

	var uploads []string
	err := filepath.WalkDir(localExports, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == localExports {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localExports, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if c.blacklisted(rel) {
			return nil
		}
		uploads = append(uploads, rel)
		return nil
	})
	if err != nil {
		return &SyncError{Op: "unstage", ResourceID: resourceID, Err: err}
	}
	if len(uploads) == 0 {
		return &SyncError{Op: "unstage", ResourceID: resourceID, Err: ErrNoExports}
	}

	// Clear the previous run's exports first so storage never mixes
	// generations.
	if err := c.deletePrefix(ctx, ExportPrefix(resourceID)); err != nil {
		return &SyncError{Op: "unstage", ResourceID: resourceID, Err: err}
	}

	for _, rel := range uploads {
		local := filepath.Join(localExports, filepath.FromSlash(rel))
		if err := c.uploadFile(ctx, ExportPrefix(resourceID)+rel, local); err != nil {
			return &SyncError{Op: "unstage", ResourceID: resourceID, Err: err}
		}
	}

	c.log.Debug("unstaged exports",
		zap.String("resource_id", resourceID),
		zap.Int("files", len(uploads)))
	return nil
}

// Fingerprint computes the input fingerprint of a resource directly from
// storage, without staging anything locally. Used to answer "have the
// inputs changed since the last run".
func (c *Coordinator) Fingerprint(ctx context.Context, resourceID string) (string, error) {
	sources, err := c.listAll(ctx, SourcePrefix(resourceID))
	if err != nil {
		return "", &SyncError{Op: "fingerprint", ResourceID: resourceID, Err: err}
	}
	if len(sources) == 0 {
		return "", &SyncError{Op: "fingerprint", ResourceID: resourceID, Err: ErrNoSources}
	}

	var fp fingerprintBuilder

	configData, err := c.readObject(ctx, ConfigKey(resourceID))
	if err != nil {
		if provider.IsNotFound(err) {
			return "", &SyncError{Op: "fingerprint", ResourceID: resourceID, Err: ErrNoConfig}
		}
		return "", &SyncError{Op: "fingerprint", ResourceID: resourceID, Err: err}
	}
	if _, err := fp.addReader(ConfigFileName, strings.NewReader(string(configData))); err != nil {
		return "", &SyncError{Op: "fingerprint", ResourceID: resourceID, Err: err}
	}

	for _, obj := range sources {
		rel := strings.TrimPrefix(obj.Key, SourcePrefix(resourceID))
		body, _, err := c.getter.GetObject(ctx, obj.Key)
		if err != nil {
			return "", &SyncError{Op: "fingerprint", ResourceID: resourceID, Err: fmt.Errorf("get %s: %w", obj.Key, err)}
		}
		_, hashErr := fp.addReader(path.Join(sourceDir, rel), body)
		_ = body.Close()
		if hashErr != nil {
			return "", &SyncError{Op: "fingerprint", ResourceID: resourceID, Err: hashErr}
		}
	}

	sum, err := fp.sum()
	if err != nil {
		return "", &SyncError{Op: "fingerprint", ResourceID: resourceID, Err: err}
	}
	return sum, nil
}

// HasExports reports whether storage holds any exports for the resource.
func (c *Coordinator) HasExports(ctx context.Context, resourceID string) (bool, error) {
	exports, err := c.listAll(ctx, ExportPrefix(resourceID))
	if err != nil {
		return false, err
	}
	return len(exports) > 0, nil
}

// RemoveResourceObjects deletes every storage object under a resource's
// prefix. Used when the resource itself is removed.
func (c *Coordinator) RemoveResourceObjects(ctx context.Context, resourceID string) error {
	return c.deletePrefix(ctx, resourceID+"/")
}

func (c *Coordinator) blacklisted(rel string) bool {
	for _, pattern := range c.exportBlacklist {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (c *Coordinator) uploadFile(ctx context.Context, key, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", local, err)
	}
	if err := c.putter.PutObject(ctx, key, f, info.Size()); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (c *Coordinator) readObject(ctx context.Context, key string) ([]byte, error) {
	body, _, err := c.getter.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return io.ReadAll(body)
}

func (c *Coordinator) deletePrefix(ctx context.Context, prefix string) error {
	objects, err := c.listAll(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := c.deleter.DeleteObject(ctx, obj.Key); err != nil && !provider.IsNotFound(err) {
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
	}
	return nil
}

func (c *Coordinator) listAll(ctx context.Context, prefix string) ([]provider.ObjectSummary, error) {
	var out []provider.ObjectSummary
	token := ""
	for {
		page, err := c.prov.List(ctx, provider.ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out = append(out, page.Objects...)
		if !page.IsTruncated || page.ContinuationToken == "" {
			return out, nil
		}
		token = page.ContinuationToken
	}
}

func writeFile(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
