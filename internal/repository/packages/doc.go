// Package packages persists the registry of installed packages.
//
// The FileRepository keeps the registry as a YAML document on disk and exposes
// a Repository interface the installer depends on.
package packages
