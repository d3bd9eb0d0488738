package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/nb-backup/nb/internal/engine"
)

// interactiveConfirm prints a summary of a pending backup and asks the
// user on standard input whether to proceed. It is the sole confirmer
// wired into the CLI; engine.Repository.RunBackup accepts any function
// matching this shape, so tests and other front ends can substitute
// their own.
func interactiveConfirm(summary engine.Summary) bool {
	fmt.Printf(
		"backup summary: %d added, %d removed, %d lost, %d changed, %d unchanged (%d paths total)\n",
		summary.Added, summary.Removed, summary.Lost, summary.Changed, summary.Unchanged, summary.TotalPaths,
	)
	fmt.Print("proceed? [y/N] ")

	reader := bufio.NewReader(stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
