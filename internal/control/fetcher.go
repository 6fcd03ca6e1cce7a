package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/polychat/sandbox-worker/pkg/models"
)

// HTTPFetcher polls a run-control endpoint:
// GET {base}/v1/runs/{run_id}/control -> {"state": "...", "reason": "..."}.
// The user token travels in a header, never in the URL.
type HTTPFetcher struct {
	BaseURL    string
	RunID      string
	Token      string
	HTTPClient *http.Client
}

func (f *HTTPFetcher) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Fetch retrieves the current control state. Any transport or decode failure
// is returned to the caller, which decides whether to swallow it.
func (f *HTTPFetcher) Fetch(ctx context.Context) (models.RunControl, error) {
	url := strings.TrimSuffix(f.BaseURL, "/") + "/v1/runs/" + f.RunID + "/control"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.RunControl{}, err
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return models.RunControl{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return models.RunControl{}, fmt.Errorf("run control endpoint returned status %d", resp.StatusCode)
	}
	var state models.RunControl
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return models.RunControl{}, err
	}
	return state, nil
}
