package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"camcast/native/internal/config"
)

const logPattern = "camcast-*.log"

func runLogs(args []string) int {
	if len(args) != 2 || args[0] != "export" {
		fmt.Fprint(os.Stderr, "usage: camcast logs export <dir>\n")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "camcast: %v\n", err)
		return 1
	}
	if cfg.LogDir == "" {
		fmt.Fprint(os.Stderr, "camcast: CAMCAST_LOG_DIR is not set, no logs to export\n")
		return 1
	}

	copied, err := exportLogs(cfg.LogDir, args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "camcast: %v\n", err)
		return 1
	}
	for _, name := range copied {
		fmt.Println(name)
	}
	return 0
}

// exportLogs copies the log files in src into dst, oldest first, and
// returns the paths written.
func exportLogs(src, dst string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(src, logPattern))
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no log files in %s", src)
	}
	sort.Strings(matches)

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	var written []string
	for _, m := range matches {
		target := filepath.Join(dst, filepath.Base(m))
		if same, _ := sameFile(m, target); same {
			continue
		}
		if err := copyFile(m, target); err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}

func sameFile(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return nil
}
