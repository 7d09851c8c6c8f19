// Package logs reads the daemon's log files for the logs command. It tails
// the stable printlapse.log pointer directly rather than asking the daemon,
// so it works whether or not the daemon is running.
package logs
