package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	goversion "github.com/hashicorp/go-version"
)

const Version = "0.4.2"

// ProgramName identifies this software to the collector and WSJT-X clients
const ProgramName = "UberSDR-PSKReporter"

const versionCheckTimeout = 10 * time.Second

var (
	// LatestVersion holds the latest published version, empty until fetched
	LatestVersion   string
	latestVersionMu sync.RWMutex

	// versionRegex matches the version constant in version.go
	versionRegex = regexp.MustCompile(`const\s+Version\s*=\s*"([^"]+)"`)
)

// programID renders the decoding software field of the receiver record.
// Versions that parse are written in canonical form so "v1.2" and "1.2.0"
// report the same software.
func programID(name, ver string) string {
	if v, err := goversion.NewVersion(ver); err == nil {
		return fmt.Sprintf("%s %s", name, v.String())
	}
	return strings.TrimSpace(name + " " + ver)
}

// GetLatestVersion returns the latest version fetched by the checker
func GetLatestVersion() string {
	latestVersionMu.RLock()
	defer latestVersionMu.RUnlock()
	return LatestVersion
}

func setLatestVersion(version string) {
	latestVersionMu.Lock()
	defer latestVersionMu.Unlock()
	LatestVersion = version
}

// isNewerVersion reports whether latest is a higher version than current.
// Unparseable versions are never newer.
func isNewerVersion(latest, current string) bool {
	l, err := goversion.NewVersion(latest)
	if err != nil {
		return false
	}
	c, err := goversion.NewVersion(current)
	if err != nil {
		return false
	}
	return l.GreaterThan(c)
}

// fetchVersion downloads a version.go file and extracts the version constant
func fetchVersion(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("%s/%s", ProgramName, Version))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch version file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if matches := versionRegex.FindStringSubmatch(scanner.Text()); len(matches) == 2 {
			return matches[1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading response: %w", err)
	}
	return "", fmt.Errorf("version constant not found in file")
}

func checkVersion(ctx context.Context, url string) {
	latest, err := fetchVersion(ctx, url)
	if err != nil {
		log.Printf("Version check failed: %v (Current version: %s)", err, Version)
		return
	}
	setLatestVersion(latest)

	if isNewerVersion(latest, Version) {
		log.Printf("Version check: Current=%s, Latest=%s, update available", Version, latest)
	} else if DebugMode {
		log.Printf("DEBUG: Version check: Current=%s, Latest=%s", Version, latest)
	}
}

// StartVersionChecker checks url at startup and then every interval until
// ctx is done. An empty url disables the checker.
func StartVersionChecker(ctx context.Context, url string, interval time.Duration) {
	if url == "" {
		return
	}
	if interval < time.Hour {
		interval = time.Hour
	}
	log.Printf("Starting version checker (checking every %v)", interval)

	go func() {
		checkVersion(ctx, url)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkVersion(ctx, url)
			}
		}
	}()
}
