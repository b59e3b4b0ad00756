package installer

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/deploy-agent/internal/config"
	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
	"github.com/oshokin/deploy-agent/internal/repository/packages"
)

const (
	// EntryFileMode is the mode installed entries get.
	EntryFileMode os.FileMode = 0o755

	// ChecksumFunction verifies staged entries.
	ChecksumFunction crypto.Hash = crypto.SHA512
)

var (
	errNoEntries     = errors.New("session has no entries")
	errWrongChecksum = errors.New("entry has wrong checksum")
	errNotInstalled  = errors.New("package is not installed")
)

// apply installs a committed session and returns the outcome to report.
func (i *Installer) apply(ctx context.Context, s *Session) deploy.Result {
	i.applyMu.Lock()
	defer i.applyMu.Unlock()

	result := deploy.Result{PackageName: s.params.PackageName}

	entries, err := stagedEntries(s.dir)
	if err != nil {
		return failed(result, deploy.StatusFailureStorage, err)
	}

	if len(entries) == 0 {
		return failed(result, deploy.StatusFailureInvalid, errNoEntries)
	}

	digest := sha512.New()
	staged := make(map[string][]byte, len(entries))

	for _, name := range entries {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return failed(result, deploy.StatusFailureStorage, fmt.Errorf("read entry %s: %w", name, err))
		}

		if s.params.Checksum != nil {
			sum := sha512.Sum512(data)
			if !bytes.Equal(sum[:], s.params.Checksum) {
				return failed(result, deploy.StatusFailureInvalid, fmt.Errorf("%s: %w", name, errWrongChecksum))
			}
		}

		_, _ = digest.Write(data)
		staged[name] = data
	}

	if i.stopRunning {
		if err = i.stopProcesses(ctx, append([]string{s.params.PackageName}, entries...)); err != nil {
			return failed(result, deploy.StatusFailureBlocked, err)
		}
	}

	target := i.packageDir(s.params.PackageName)
	if err = os.MkdirAll(target, config.DefaultDirectoryPermissions); err != nil {
		return failed(result, deploy.StatusFailureStorage, fmt.Errorf("create package directory: %w", err))
	}

	for _, name := range entries {
		if err = replaceEntry(filepath.Join(target, name), staged[name], s.params.Checksum); err != nil {
			return failed(result, deploy.StatusFailureStorage, fmt.Errorf("apply entry %s: %w", name, err))
		}

		logger.DebugKV(ctx, "Entry applied", "entry", name)
	}

	if s.params.Mode == deploy.ModeFullInstall {
		if err = prune(target, entries); err != nil {
			return failed(result, deploy.StatusFailureStorage, err)
		}
	}

	record := &deploy.InstalledPackage{
		Name:        s.params.PackageName,
		VersionCode: s.params.VersionCode,
		Checksum:    base64.StdEncoding.EncodeToString(digest.Sum(nil)),
		Path:        target,
		InstalledAt: time.Now(),
		InstalledBy: i.actor,
	}

	if record.VersionCode == 0 && s.params.Mode == deploy.ModeInheritExisting {
		if previous, err := i.registry.Get(ctx, record.Name); err == nil {
			record.VersionCode = previous.VersionCode
		}
	}

	if err = i.registry.Put(ctx, record); err != nil {
		return failed(result, deploy.StatusFailureStorage, fmt.Errorf("record package: %w", err))
	}

	result.Status = deploy.StatusSuccess
	result.Message = fmt.Sprintf("installed %d entries into %s", len(entries), target)

	return result
}

// uninstall removes a package and its registry record.
func (i *Installer) uninstall(ctx context.Context, packageName string) deploy.Result {
	i.applyMu.Lock()
	defer i.applyMu.Unlock()

	result := deploy.Result{PackageName: packageName}

	if !plainName(packageName) {
		return failed(result, deploy.StatusFailureInvalid, fmt.Errorf("package %q: %w", packageName, ErrInvalidName))
	}

	record, err := i.registry.Get(ctx, packageName)
	if err != nil {
		if errors.Is(err, packages.ErrNotFound) {
			return failed(result, deploy.StatusFailure, fmt.Errorf("%s: %w", packageName, errNotInstalled))
		}

		return failed(result, deploy.StatusFailureStorage, err)
	}

	if i.stopRunning {
		names := []string{packageName}

		if entries, err := stagedEntries(record.Path); err == nil {
			names = append(names, entries...)
		}

		if err = i.stopProcesses(ctx, names); err != nil {
			return failed(result, deploy.StatusFailureBlocked, err)
		}
	}

	if err = os.RemoveAll(i.packageDir(packageName)); err != nil {
		return failed(result, deploy.StatusFailureStorage, fmt.Errorf("remove package directory: %w", err))
	}

	if err = i.registry.Delete(ctx, packageName); err != nil {
		return failed(result, deploy.StatusFailureStorage, fmt.Errorf("remove package record: %w", err))
	}

	result.Status = deploy.StatusSuccess
	result.Message = "uninstalled"

	return result
}

// replaceEntry atomically replaces path with data, verifying checksum when set.
func replaceEntry(path string, data, checksum []byte) error {
	// The replacement renames the existing file away first, so it has to exist.
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		f, err := os.Create(filepath.Clean(path))
		if err != nil {
			return err
		}

		_ = f.Close()
	}

	options := goupdate.Options{
		TargetPath: path,
		TargetMode: EntryFileMode,
		Checksum:   checksum,
		Hash:       ChecksumFunction,
	}

	if err := goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return err
	}

	oldFileName := path + ".old"
	if _, err := os.Stat(oldFileName); err == nil {
		_ = os.Remove(oldFileName)
	}

	return nil
}

// prune removes files in dir that are not among keep.
func prune(dir string, keep []string) error {
	existing, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list package directory: %w", err)
	}

	for _, entry := range existing {
		if slices.Contains(keep, entry.Name()) {
			continue
		}

		if err = os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("prune %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// stagedEntries lists the regular files in dir by name.
func stagedEntries(dir string) ([]string, error) {
	existing, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	var names []string

	for _, entry := range existing {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}

	return names, nil
}

// stopProcesses kills every other process whose executable matches one of names,
// with or without a file extension.
func (i *Installer) stopProcesses(ctx context.Context, names []string) error {
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}

	processList, err := i.processes()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	thisProcessID := os.Getpid()

	for _, process := range processList {
		if process.Pid() == thisProcessID {
			continue
		}

		executable := process.Executable()

		_, found := wanted[executable]
		if !found {
			_, found = wanted[strings.TrimSuffix(executable, filepath.Ext(executable))]
		}

		if !found {
			continue
		}

		logger.InfoKV(ctx, "Stopping running process", "pid", process.Pid(), "executable", executable)

		if err = i.kill(process.Pid()); err != nil {
			return fmt.Errorf("stop %s (pid %d): %w", executable, process.Pid(), err)
		}
	}

	return nil
}

// failed fills in a failure result.
func failed(result deploy.Result, status deploy.Status, err error) deploy.Result {
	result.Status = status
	result.Message = err.Error()

	return result
}
