// Package packager produces the apps list an updater consumes.
//
// For each artifact it computes a SHA-512 checksum, derives the download link
// from the publish location, and writes the list as YAML next to a short
// summary of what to upload.
package packager
