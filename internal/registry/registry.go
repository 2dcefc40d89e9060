// Package registry manages model artifacts on disk: fine-tuned adapters,
// backups, and the pointer that says which one is live. Every artifact
// carries a metadata sidecar; the active pointer is swapped atomically so
// readers never resolve a half-written model.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"fotopoisk/internal/errors"
)

// Artifact origins.
const (
	OriginBase      = "base"
	OriginFineTuned = "fine_tuned"
	OriginBackup    = "backup"
)

const (
	fineTunedDir  = "fine_tuned"
	backupsDir    = "backups"
	activeFile    = "active"
	lockFile      = ".registry.lock"
	artifactExt   = ".bin"
	sidecarSuffix = ".meta.json"
)

// BaseVersion is the version reported when no fine-tuned model has ever
// been promoted.
const BaseVersion = "base"

// Artifact describes one model file the registry knows about.
type Artifact struct {
	Version   string    `json:"version"`
	Origin    string    `json:"origin"`
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Note      string    `json:"note,omitempty"`
}

// Registry is a filesystem-backed model store. Mutations take a
// cross-process file lock so concurrent deployments cannot interleave a
// promote with a delete.
type Registry struct {
	mu       sync.RWMutex
	root     string
	basePath string
	lock     *flock.Flock
	logger   *slog.Logger
}

// NewVersion derives a registry version string from a moment in time.
// Timestamp versions sort lexically in creation order.
func NewVersion(t time.Time) string {
	return t.UTC().Format("20060102-150405")
}

// NewRegistry opens the registry rooted at root. basePath names the
// pretrained weights that serve as the fallback active model before any
// promotion has happened.
func NewRegistry(root, basePath string, logger *slog.Logger) (*Registry, error) {
	if root == "" {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "registry root is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{root, filepath.Join(root, fineTunedDir), filepath.Join(root, backupsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.StoreError(fmt.Sprintf("cannot create registry directory %s", dir), err)
		}
	}

	return &Registry{
		root:     root,
		basePath: basePath,
		lock:     flock.New(filepath.Join(root, lockFile)),
		logger:   logger,
	}, nil
}

// Root returns the registry directory.
func (r *Registry) Root() string { return r.root }

// ActivePointerPath returns the file whose content names the live version.
// The reload watcher watches it.
func (r *Registry) ActivePointerPath() string {
	return filepath.Join(r.root, activeFile)
}

func (r *Registry) dirFor(origin string) string {
	if origin == OriginBackup {
		return filepath.Join(r.root, backupsDir)
	}
	return filepath.Join(r.root, fineTunedDir)
}

func (r *Registry) artifactPath(origin, version string) string {
	return filepath.Join(r.dirFor(origin), version+artifactExt)
}

func sidecarPath(artifactPath string) string {
	return artifactPath + sidecarSuffix
}

func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}

func writeSidecar(a *Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(sidecarPath(a.Path), data, 0o644)
}

func readSidecar(artifactPath string) (*Artifact, error) {
	data, err := os.ReadFile(sidecarPath(artifactPath))
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	// Sidecars can move with their artifact; the path on disk wins.
	a.Path = artifactPath
	return &a, nil
}

// Register ingests the file at srcPath as a new artifact. The artifact is
// written fully and synced before it becomes visible, so a crash cannot
// leave a promotable half-file.
func (r *Registry) Register(srcPath, origin, version, note string) (*Artifact, error) {
	if version == "" || version == BaseVersion {
		return nil, errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid artifact version %q", version), nil)
	}
	if origin != OriginFineTuned && origin != OriginBackup {
		return nil, errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid artifact origin %q", origin), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.Lock(); err != nil {
		return nil, errors.StoreError("cannot lock registry", err)
	}
	defer func() { _ = r.lock.Unlock() }()

	src, err := os.Open(srcPath)
	if err != nil {
		return nil, errors.StoreError(fmt.Sprintf("cannot open artifact source %s", srcPath), err)
	}
	defer func() { _ = src.Close() }()

	dst := r.artifactPath(origin, version)
	tmp, err := renameio.TempFile(r.dirFor(origin), dst)
	if err != nil {
		return nil, errors.StoreError("cannot stage artifact", err)
	}
	defer func() { _ = tmp.Cleanup() }()

	if _, err := io.Copy(tmp, src); err != nil {
		return nil, errors.StoreError("cannot copy artifact", err)
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return nil, errors.StoreError("cannot finalize artifact", err)
	}

	sum, size, err := checksumFile(dst)
	if err != nil {
		return nil, errors.StoreError("cannot checksum artifact", err)
	}

	a := &Artifact{
		Version:   version,
		Origin:    origin,
		Path:      dst,
		Checksum:  sum,
		SizeBytes: size,
		CreatedAt: time.Now().UTC(),
		Note:      note,
	}
	if err := writeSidecar(a); err != nil {
		return nil, errors.StoreError("cannot write artifact sidecar", err)
	}

	r.logger.Info("artifact_registered",
		"version", version,
		"origin", origin,
		"size_bytes", size)
	return a, nil
}

// resolve finds an artifact by version, preferring fine-tuned over
// backups when both carry the same version.
func (r *Registry) resolve(version string) (*Artifact, error) {
	for _, origin := range []string{OriginFineTuned, OriginBackup} {
		path := r.artifactPath(origin, version)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		a, err := readSidecar(path)
		if err != nil {
			return nil, errors.StoreError(fmt.Sprintf("cannot read sidecar for %s", version), err)
		}
		return a, nil
	}
	return nil, errors.NotFoundError(errors.ErrCodeModelNotFound,
		fmt.Sprintf("no artifact with version %s", version))
}

// Get returns the artifact with the given version.
func (r *Registry) Get(version string) (*Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(version)
}

func (r *Registry) baseArtifact() (*Artifact, error) {
	a := &Artifact{Version: BaseVersion, Origin: OriginBase, Path: r.basePath}
	if r.basePath == "" {
		return a, nil
	}
	info, err := os.Stat(r.basePath)
	if err != nil {
		return nil, errors.New(errors.ErrCodeRegistryUnresolved,
			fmt.Sprintf("base model %s is not readable", r.basePath), err).
			WithSuggestion("Check model_path in the configuration")
	}
	a.SizeBytes = info.Size()
	return a, nil
}

// Active resolves the live artifact. With no promotion on record it falls
// back to the base weights. An unreadable pointer target is fatal: that
// means the registry was mutated behind the pointer's back.
func (r *Registry) Active() (*Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() (*Artifact, error) {
	data, err := os.ReadFile(r.ActivePointerPath())
	if os.IsNotExist(err) {
		return r.baseArtifact()
	}
	if err != nil {
		return nil, errors.StoreError("cannot read active pointer", err)
	}

	version := strings.TrimSpace(string(data))
	if version == "" || version == BaseVersion {
		return r.baseArtifact()
	}

	a, err := r.resolve(version)
	if err != nil {
		return nil, errors.New(errors.ErrCodeRegistryUnresolved,
			fmt.Sprintf("active pointer names %s but no such artifact exists", version), err).
			WithSuggestion("Promote an existing version or restore a backup")
	}
	if _, statErr := os.Stat(a.Path); statErr != nil {
		return nil, errors.New(errors.ErrCodeRegistryUnresolved,
			fmt.Sprintf("active artifact %s is not readable", a.Path), statErr)
	}
	return a, nil
}

// Promote makes version the active model. The artifact's checksum is
// verified first, then the pointer file is replaced atomically, so a
// reader sees either the old version or the new one, never a torn write.
func (r *Registry) Promote(version string) (*Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.Lock(); err != nil {
		return nil, errors.StoreError("cannot lock registry", err)
	}
	defer func() { _ = r.lock.Unlock() }()

	if version == BaseVersion {
		if err := renameio.WriteFile(r.ActivePointerPath(), []byte(BaseVersion+"\n"), 0o644); err != nil {
			return nil, errors.StoreError("cannot write active pointer", err)
		}
		r.logger.Info("model_promoted", "version", BaseVersion)
		return r.baseArtifact()
	}

	a, err := r.resolve(version)
	if err != nil {
		return nil, err
	}

	sum, _, err := checksumFile(a.Path)
	if err != nil {
		return nil, errors.StoreError(fmt.Sprintf("cannot checksum %s", a.Path), err)
	}
	if a.Checksum != "" && sum != a.Checksum {
		return nil, errors.New(errors.ErrCodeStoreCorrupt,
			fmt.Sprintf("artifact %s does not match its recorded checksum", version), nil).
			WithSuggestion("The file was modified or truncated; re-register or restore a backup")
	}

	if err := renameio.WriteFile(r.ActivePointerPath(), []byte(version+"\n"), 0o644); err != nil {
		return nil, errors.StoreError("cannot write active pointer", err)
	}

	r.logger.Info("model_promoted", "version", version, "origin", a.Origin)
	return a, nil
}

// List returns known artifacts, newest version first. An empty filter
// lists both fine-tuned models and backups.
func (r *Registry) List(originFilter string) ([]*Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var origins []string
	switch originFilter {
	case "":
		origins = []string{OriginFineTuned, OriginBackup}
	case OriginFineTuned, OriginBackup:
		origins = []string{originFilter}
	default:
		return nil, errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown origin filter %q", originFilter), nil)
	}

	var out []*Artifact
	for _, origin := range origins {
		entries, err := os.ReadDir(r.dirFor(origin))
		if err != nil {
			return nil, errors.StoreError("cannot list registry directory", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), artifactExt) {
				continue
			}
			path := filepath.Join(r.dirFor(origin), e.Name())
			a, err := readSidecar(path)
			if err != nil {
				r.logger.Warn("artifact_sidecar_unreadable", "path", path, "error", err.Error())
				continue
			}
			out = append(out, a)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		return out[i].Origin < out[j].Origin
	})
	return out, nil
}

// Backup copies the artifact with the given version into the backups
// directory. Backing up the base weights snapshots the pretrained file.
func (r *Registry) Backup(version, note string) (*Artifact, error) {
	r.mu.Lock()
	srcPath := ""
	if version == BaseVersion {
		if r.basePath == "" {
			r.mu.Unlock()
			return nil, errors.New(errors.ErrCodeInvalidArgument,
				"no base model configured to back up", nil)
		}
		srcPath = r.basePath
	} else {
		a, err := r.resolve(version)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		srcPath = a.Path
	}
	r.mu.Unlock()

	return r.Register(srcPath, OriginBackup, version, note)
}

// Delete removes an artifact and its sidecar. The active artifact is
// protected.
func (r *Registry) Delete(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.Lock(); err != nil {
		return errors.StoreError("cannot lock registry", err)
	}
	defer func() { _ = r.lock.Unlock() }()

	active, err := r.activeLocked()
	if err == nil && active.Version == version {
		return errors.New(errors.ErrCodeActiveDelete,
			fmt.Sprintf("version %s is active and cannot be deleted", version), nil).
			WithSuggestion("Promote another version first")
	}

	a, err := r.resolve(version)
	if err != nil {
		return err
	}

	if err := os.Remove(a.Path); err != nil {
		return errors.StoreError(fmt.Sprintf("cannot delete artifact %s", version), err)
	}
	if err := os.Remove(sidecarPath(a.Path)); err != nil && !os.IsNotExist(err) {
		return errors.StoreError(fmt.Sprintf("cannot delete sidecar for %s", version), err)
	}

	r.logger.Info("artifact_deleted", "version", version, "origin", a.Origin)
	return nil
}

// CleanupBackups deletes the oldest backups beyond keep and returns the
// versions removed. A backup that is currently active is skipped.
func (r *Registry) CleanupBackups(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}

	backups, err := r.List(OriginBackup)
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var removed []string
	for _, a := range backups[keep:] {
		if err := r.Delete(a.Version); err != nil {
			var perr *errors.PoiskError
			if stderrors.As(err, &perr) && perr.Code == errors.ErrCodeActiveDelete {
				continue
			}
			return removed, err
		}
		removed = append(removed, a.Version)
	}

	r.logger.Info("backups_cleaned", "kept", keep, "removed", len(removed))
	return removed, nil
}
