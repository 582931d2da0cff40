package driver

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// killCloseTimeout bounds the graceful close attempt before escalating to a
// kill signal.
const killCloseTimeout = 5 * time.Second

// SafeKill force-terminates the browser behind a driver. Graceful close
// first, bounded; then a kill signal to the OS process; then a sweep for
// orphaned processes still referencing the session's profile directory.
// References are released unconditionally on exit.
//
// This is a best-effort cleanup primitive invoked from many failure paths:
// it never returns an error, every failure is logged and swallowed.
func SafeKill(d Driver, profileDir string, log zerolog.Logger) {
	if d == nil {
		return
	}
	defer d.Release()

	b := d.Browser()
	if b != nil {
		ctx, cancel := context.WithTimeout(context.Background(), killCloseTimeout)
		err := b.Close(ctx)
		cancel()
		if err != nil {
			log.Debug().Err(err).Msg("graceful browser close failed, escalating to kill")
			if proc := b.Process(); proc != nil {
				if killErr := proc.Kill(); killErr != nil {
					log.Debug().Err(killErr).Int("pid", proc.Pid).Msg("kill signal failed")
				}
			}
		}
	}

	if profileDir != "" {
		killOrphans(profileDir, log)
	}
}

// killOrphans scans the process table for browser processes whose command
// line references the session's profile directory and kills them. The
// driver and its browser can decouple after a crash; this is the last line
// of defense against leaked processes.
func killOrphans(profileDir string, log zerolog.Logger) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		// Non-procfs platform; nothing more we can do here.
		return
	}

	needle := "--user-data-dir=" + profileDir
	self := os.Getpid()

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}

		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}

		// cmdline args are NUL separated
		args := strings.ReplaceAll(string(cmdline), "\x00", " ")
		if !strings.Contains(args, needle) {
			continue
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Kill(); err != nil {
			log.Debug().Err(err).Int("pid", pid).Msg("orphan kill failed")
			continue
		}
		log.Warn().Int("pid", pid).Str("profile_dir", profileDir).Msg("killed orphaned browser process")
	}
}
