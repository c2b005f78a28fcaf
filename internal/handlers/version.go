package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	versionCheckInterval = 48 * time.Hour
	releasesURL          = "https://api.github.com/repos/dockru/dockru/releases/latest"
)

// StartVersionChecker polls for new releases and pushes the result to every
// session through the info event. The checkUpdate setting turns it off.
func (app *App) StartVersionChecker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(versionCheckInterval)
		defer ticker.Stop()

		for {
			app.checkVersion(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (app *App) checkVersion(ctx context.Context) {
	if !app.Settings.GetBool("checkUpdate", true) {
		return
	}

	latest, err := fetchLatestVersion(ctx)
	if err != nil {
		slog.Warn("version check", "err", err)
		return
	}

	app.mu.Lock()
	changed := app.latestVersion != latest
	app.latestVersion = latest
	app.mu.Unlock()

	if changed {
		slog.Info("latest release", "version", latest)
		app.WS.BroadcastAuthenticated("info", app.buildInfo())
	}
}

func fetchLatestVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releasesURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", err
	}
	return strings.TrimPrefix(release.TagName, "v"), nil
}
