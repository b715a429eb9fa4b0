package licensing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Keys struct {
	LicenseKey  string `json:"licenseKey"`
	InstanceKey string `json:"instanceKey"`
}

// Empty reports whether no licensing is configured.
func (k Keys) Empty() bool {
	return k.LicenseKey == "" && k.InstanceKey == ""
}

// ClusterSummary is the node capacity of one cluster. Nil fields were not available.
type ClusterSummary struct {
	ClusterID   int64  `json:"clusterId"`
	ClusterName string `json:"clusterName"`
	NumNodes    *int   `json:"numNodes"`
	NumCPU      *int64 `json:"numCPU"`
	AmountRAM   *int64 `json:"amountRAM"`
}

type InstanceSummary struct {
	TotalNodes       int64            `json:"totalNodes"`
	TotalCPU         int64            `json:"totalCPU"`
	TotalRAM         int64            `json:"totalRAM"`
	ClusterSummaries []ClusterSummary `json:"clusterSummaries"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CheckValidity asks the portal whether the license and instance key pair is valid.
func (c *Client) CheckValidity(ctx context.Context, keys Keys) (bool, error) {
	q := url.Values{}
	q.Set("licenseKey", keys.LicenseKey)
	q.Set("instanceKey", keys.InstanceKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/instances/validity?"+q.Encode(), nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "failed to reach licensing portal")
	}
	defer resp.Body.Close()

	// The portal answers an invalid pair with a non-2xx status and the same body shape.
	var result struct {
		Data struct {
			IsValid bool `json:"isValid"`
		} `json:"data"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &result); err != nil {
		return false, errors.Wrapf(err, "failed to decode validity response (status %d)", resp.StatusCode)
	}
	return result.Data.IsValid, nil
}

func (c *Client) SendFleetSummary(ctx context.Context, keys Keys, summary InstanceSummary) error {
	payload, err := json.Marshal(struct {
		Keys            Keys            `json:"keys"`
		InstanceSummary InstanceSummary `json:"instanceSummary"`
	}{keys, summary})
	if err != nil {
		return errors.Wrap(err, "failed to marshal instance summary")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/instances/current-summary", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send instance summary")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("licensing portal returned status code %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return errors.Wrap(err, "failed to decode summary response")
	}
	if !result.Success {
		return errors.New("licensing portal rejected instance summary")
	}
	return nil
}
