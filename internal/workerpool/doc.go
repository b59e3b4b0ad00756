// Package workerpool runs tasks on a fixed number of goroutines fed by a bounded queue.
package workerpool
