package server

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

//go:embed dashboard.json
var dashboardJSON []byte

// DashboardPath is where the Grafana dashboard is served.
const DashboardPath = "/dashboards/pecronhub.json"

// DashboardHandler serves the embedded Grafana dashboard.
func DashboardHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(dashboardJSON)
	})
}

// WriteDashboard writes the dashboard to dir for Grafana provisioning. An
// empty dir is a no-op.
func WriteDashboard(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dashboard dir: %w", err)
	}
	path := filepath.Join(dir, "pecronhub.json")
	if err := os.WriteFile(path, dashboardJSON, 0o644); err != nil {
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	return nil
}
