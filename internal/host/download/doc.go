// Package download is the host download service.
//
// Requests are recorded in a SQLite table and fetched in the background by a
// worker pool. Every finished fetch is announced to a notification sink with
// the download id as correlation id.
package download
