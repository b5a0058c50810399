package version

import (
	"encoding/json"
	"net/http"
	"runtime"

	"depthbook/internal/orderbook"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type info struct {
	Version   string   `json:"version"`
	Commit    string   `json:"commit"`
	BuildTime string   `json:"build_time"`
	GoVersion string   `json:"go_version"`
	BookKinds []string `json:"book_kinds"`
}

// Handler writes build info and the supported book variants as JSON.
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		BookKinds: []string{orderbook.Plain.String(), orderbook.Counted.String(), orderbook.Indexed.String()},
	})
}
