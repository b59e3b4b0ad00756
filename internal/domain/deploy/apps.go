package deploy

import "time"

// InstalledPackage is the registry record of a package installed by the agent.
type InstalledPackage struct {
	// Name is the package identifier.
	Name string `yaml:"name"`
	// VersionCode is the installed version; zero when the installer was not told.
	VersionCode int64 `yaml:"version_code"`
	// Checksum is the base64 SHA-512 of the installed artifact.
	Checksum string `yaml:"checksum"`
	// Path is the directory holding the package entries.
	Path string `yaml:"path"`
	// InstalledAt is when the last install committed.
	InstalledAt time.Time `yaml:"installed_at"`
	// InstalledBy is "user@host" of the process that ran the install.
	InstalledBy string `yaml:"installed_by,omitempty"`
}

// Clone returns a copy of the record.
func (p *InstalledPackage) Clone() *InstalledPackage {
	if p == nil {
		return nil
	}

	cloned := *p

	return &cloned
}

// AppsList is the list of packages an endpoint should have installed.
// Field names follow the JSON published by the apps list server; YAML is accepted too.
type AppsList struct {
	Apps []AppPackage `yaml:"apps"`
}

// AppPackage is one entry of an apps list.
type AppPackage struct {
	// PackageName is the package identifier.
	PackageName string `yaml:"packageName"`
	// DownloadLink is where the artifact can be fetched.
	DownloadLink string `yaml:"downloadLink"`
	// VersionCode is the version the link points to.
	VersionCode int64 `yaml:"versionCode"`
	// Checksum is an optional base64 SHA-512 of the artifact.
	Checksum string `yaml:"checksum,omitempty"`
}

// NeedsUpdate reports whether the entry should be installed given the installed record.
// Entries without a download link are never installed.
func (a *AppPackage) NeedsUpdate(installed *InstalledPackage) bool {
	if a.DownloadLink == "" {
		return false
	}

	return installed == nil || a.VersionCode > installed.VersionCode
}

// Pending returns the entries that need an update according to lookup.
func (l *AppsList) Pending(lookup func(name string) *InstalledPackage) []AppPackage {
	var result []AppPackage

	for _, app := range l.Apps {
		if app.NeedsUpdate(lookup(app.PackageName)) {
			result = append(result, app)
		}
	}

	return result
}
