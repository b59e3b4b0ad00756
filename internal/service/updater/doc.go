// Package updater brings an endpoint in line with its published apps list.
//
// It fetches the list, and for every package that is missing or older than
// listed it downloads the artifact, installs it through the deployment
// coordinator and waits for the install to complete. A marker file keeps two
// updaters from running at once.
package updater
