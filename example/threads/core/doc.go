// Package core contains the discussion thread domain: its events, the Thread aggregate and the
// projection that folds a thread's events into it.
package core
