// Package filesystem provides the repository's facade over the local
// filesystem: a race-free, descriptor-based Directory type built on POSIX
// *at syscalls, path-based stat/lstat/exists/utime helpers, and atomic
// file replacement.
package filesystem
