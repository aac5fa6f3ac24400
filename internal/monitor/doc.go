// Package monitor tracks one conversion job by polling the progress endpoint.
//
// A Monitor moves through idle, polling, terminal-success and terminal-failure.
// At most one poll timer is outstanding at any time and polls for a job never
// overlap within a generation. Stop, Restart and terminal transitions bump a
// generation token so responses that were already in flight are discarded.
//
// Events are dispatched synchronously to subscribers before the next poll is
// scheduled and without holding the monitor lock, so handlers may call back
// into Stop, Start, PollNow or Restart.
package monitor
