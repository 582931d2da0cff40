package driver

import (
	"os"
	"path/filepath"

	"github.com/go-rod/rod/lib/launcher"
)

// ProfileDirPrefix namespaces per-session profile directories under the
// storage root so unrelated files are never mistaken for sessions.
const ProfileDirPrefix = "session-"

// VersionCache selects how the web client version is pinned.
type VersionCache string

const (
	VersionCacheNone   VersionCache = "none"
	VersionCacheLocal  VersionCache = "local"
	VersionCacheRemote VersionCache = "remote"
)

// defaultUserAgent is used when no override is configured. Matching a real
// desktop browser keeps the web client from refusing the connection.
const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// BuilderConfig is the slice of global configuration BuildOptions consumes.
type BuilderConfig struct {
	Headless        bool
	UserAgent       string
	BrowserPath     string
	WebClientURL    string
	VersionCache    string
	VersionCacheURL string
}

// Options is the full configuration handed to a new driver instance.
type Options struct {
	SessionID       string
	Headless        bool
	UserAgent       string
	ProfileDir      string
	BrowserPath     string
	Args            []string
	WebClientURL    string
	VersionCache    VersionCache
	VersionCacheURL string
}

// BuildOptions produces the driver options for a session. Pure aside from
// read-only environment and filesystem existence checks during executable
// auto-detection: identical inputs and environment yield identical output.
//
// The session id must already be validated against the identifier alphabet.
func BuildOptions(sessionID, storageRoot string, cfg BuilderConfig) Options {
	profileDir := filepath.Join(storageRoot, ProfileDirPrefix+sessionID)

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	cache := VersionCache(cfg.VersionCache)
	switch cache {
	case VersionCacheLocal, VersionCacheRemote:
	default:
		cache = VersionCacheNone
	}

	return Options{
		SessionID:   sessionID,
		Headless:    cfg.Headless,
		UserAgent:   ua,
		ProfileDir:  profileDir,
		BrowserPath: resolveBrowserPath(cfg.BrowserPath),
		// Each session gets its own process tree and profile directory so
		// crashed sessions cannot corrupt their neighbours.
		Args: []string{
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--disable-dev-shm-usage",
			"--disable-gpu",
			"--user-data-dir=" + profileDir,
		},
		WebClientURL:    cfg.WebClientURL,
		VersionCache:    cache,
		VersionCacheURL: cfg.VersionCacheURL,
	}
}

// resolveBrowserPath resolves the browser executable, in order: explicit
// override, WAGATE_BROWSER_PATH, platform auto-detect, empty (the launcher
// falls back to its managed browser).
func resolveBrowserPath(override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv("WAGATE_BROWSER_PATH"); env != "" {
		return env
	}
	if found, has := launcher.LookPath(); has {
		return found
	}
	return ""
}
