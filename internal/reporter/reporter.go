package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const defaultAPIBase = "https://slack.com/api"

type Reporter struct {
	webhookURL string
	channel    string
	botToken   string
	apiBase    string
	client     *http.Client
}

func New(webhookURL, channel, botToken string) *Reporter {
	return &Reporter{
		webhookURL: webhookURL,
		channel:    channel,
		botToken:   botToken,
		apiBase:    defaultAPIBase,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

type slackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// SendMessage posts text to the configured incoming webhook.
func (r *Reporter) SendMessage(ctx context.Context, text string) error {
	if r.webhookURL == "" {
		return errors.New("slack webhook URL is not configured")
	}

	payload, err := json.Marshal(slackMessage{Channel: r.channel, Text: text})
	if err != nil {
		return errors.Wrap(err, "failed to marshal slack message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send slack message")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Printf("Slack API error response: %s", string(body))
		return errors.Errorf("slack API returned status code %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// SendReportWithPDF uploads the file at pdfPath to the channel with comment as its message.
func (r *Reporter) SendReportWithPDF(ctx context.Context, title, comment, pdfPath string) error {
	if r.botToken == "" {
		return errors.New("SLACK_BOT_TOKEN is required to upload files")
	}
	if r.channel == "" {
		return errors.New("SLACK_CHANNEL is required to upload files")
	}

	file, err := os.Open(pdfPath)
	if err != nil {
		return errors.Wrap(err, "failed to open PDF file")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat file")
	}
	filename := filepath.Base(pdfPath)

	// Step 1: Get upload URL
	uploadURL, fileID, err := r.getUploadURL(ctx, filename, info.Size())
	if err != nil {
		return errors.Wrap(err, "failed to get upload URL")
	}

	// Step 2: Upload file content
	if err := r.uploadFileContent(ctx, uploadURL, file, info.Size()); err != nil {
		return errors.Wrap(err, "failed to upload file content")
	}

	// Step 3: Complete upload
	if err := r.completeUpload(ctx, fileID, title, comment); err != nil {
		return errors.Wrap(err, "failed to complete upload")
	}
	return nil
}

type slackResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	UploadURL string `json:"upload_url"`
	FileID    string `json:"file_id"`
}

func (r *Reporter) callAPI(ctx context.Context, method string, form url.Values) (*slackResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiBase+"/"+method, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+r.botToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	var result slackResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}
	if !result.OK {
		return nil, errors.Errorf("slack API error: %s", result.Error)
	}
	return &result, nil
}

func (r *Reporter) getUploadURL(ctx context.Context, filename string, size int64) (string, string, error) {
	result, err := r.callAPI(ctx, "files.getUploadURLExternal", url.Values{
		"filename": {filename},
		"length":   {fmt.Sprintf("%d", size)},
	})
	if err != nil {
		return "", "", err
	}
	return result.UploadURL, result.FileID, nil
}

func (r *Reporter) uploadFileContent(ctx context.Context, uploadURL string, content io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, content)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to upload")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errors.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (r *Reporter) completeUpload(ctx context.Context, fileID, title, comment string) error {
	files, err := json.Marshal([]map[string]string{{"id": fileID, "title": title}})
	if err != nil {
		return errors.Wrap(err, "failed to marshal file list")
	}
	_, err = r.callAPI(ctx, "files.completeUploadExternal", url.Values{
		"files":           {string(files)},
		"channel_id":      {r.channel},
		"initial_comment": {comment},
	})
	return err
}
