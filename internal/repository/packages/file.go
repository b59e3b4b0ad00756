package packages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/domain/deploy"
)

// Repository defines persistence operations for installed packages.
type Repository interface {
	Get(ctx context.Context, name string) (*deploy.InstalledPackage, error)
	Put(ctx context.Context, pkg *deploy.InstalledPackage) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*deploy.InstalledPackage, error)
}

// ErrNotFound is returned when a package is not in the registry.
var ErrNotFound = errors.New("package not found")

// document is the on-disk layout of the registry.
type document struct {
	Packages []*deploy.InstalledPackage `yaml:"packages"`
}

// FileRepository persists the registry to a YAML file on disk.
// Every write rewrites the whole document through a temporary file and a rename.
type FileRepository struct {
	// path is the filesystem location of the registry file.
	path string
	// mu serializes access to the registry file.
	mu sync.Mutex
}

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Get returns the record for name.
func (r *FileRepository) Get(_ context.Context, name string) (*deploy.InstalledPackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return nil, err
	}

	pkg, ok := records[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	return pkg, nil
}

// Put inserts or replaces the record for pkg.Name.
func (r *FileRepository) Put(_ context.Context, pkg *deploy.InstalledPackage) error {
	if pkg == nil || pkg.Name == "" {
		return deploy.ErrPackageNameRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return err
	}

	records[pkg.Name] = pkg.Clone()

	return r.store(records)
}

// Delete removes the record for name.
func (r *FileRepository) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return err
	}

	if _, ok := records[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	delete(records, name)

	return r.store(records)
}

// List returns every record ordered by name.
func (r *FileRepository) List(_ context.Context) ([]*deploy.InstalledPackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return nil, err
	}

	return sorted(records), nil
}

// load reads the registry. A missing file is an empty registry.
func (r *FileRepository) load() (map[string]*deploy.InstalledPackage, error) {
	records := make(map[string]*deploy.InstalledPackage)

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records, nil
		}

		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var doc document
	if err = yaml.Unmarshal(contents, &doc); err != nil {
		return nil, fmt.Errorf("decode registry file: %w", err)
	}

	for _, pkg := range doc.Packages {
		if pkg != nil && pkg.Name != "" {
			records[pkg.Name] = pkg
		}
	}

	return records, nil
}

// store writes the registry atomically.
func (r *FileRepository) store(records map[string]*deploy.InstalledPackage) error {
	data, err := yaml.Marshal(&document{Packages: sorted(records)})
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err = os.MkdirAll(dir, config.DefaultDirectoryPermissions); err != nil {
			return fmt.Errorf("create registry directory: %w", err)
		}
	}

	tmp := r.path + ".tmp"
	if err = os.WriteFile(tmp, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write registry file: %w", err)
	}

	if err = os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("replace registry file: %w", err)
	}

	return nil
}

// sorted returns the records ordered by name.
func sorted(records map[string]*deploy.InstalledPackage) []*deploy.InstalledPackage {
	result := make([]*deploy.InstalledPackage, 0, len(records))
	for _, pkg := range records {
		result = append(result, pkg)
	}

	slices.SortFunc(result, func(a, b *deploy.InstalledPackage) int {
		return strings.Compare(a.Name, b.Name)
	})

	return result
}
