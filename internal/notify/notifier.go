// Package notify delivers finished videos to Discord-style webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"replaymill/internal/metrics"
	"replaymill/internal/pkg/logger"
	"replaymill/internal/ports"
	"replaymill/internal/worker"
)

const defaultTimeout = 2 * time.Minute

// payload is the payload_json part of the multipart webhook request.
type payload struct {
	JobID    string      `json:"job_id"`
	Filename string      `json:"filename"`
	Content  string      `json:"content,omitempty"`
	Players  []playerRow `json:"players,omitempty"`
}

type playerRow struct {
	Name     string `json:"name"`
	Clan     string `json:"clan,omitempty"`
	Ship     string `json:"ship,omitempty"`
	Relation int    `json:"relation"`
	BuildURL string `json:"build_url,omitempty"`
}

// Notifier consumes the pool's completion stream and POSTs each finished
// video to the job's webhook. Delivery is best effort: a failed POST is
// logged and counted, never retried against the job record.
type Notifier struct {
	storage ports.StorageProvider
	client  *http.Client
	log     *logger.Logger
}

func New(storage ports.StorageProvider, log *logger.Logger) *Notifier {
	return &Notifier{
		storage: storage,
		client:  &http.Client{Timeout: defaultTimeout},
		log:     log.WithComponent("notifier"),
	}
}

// Run drains the completions channel until it is closed.
func (n *Notifier) Run(ctx context.Context, completions <-chan worker.Completion) {
	for c := range completions {
		if err := n.deliver(ctx, c); err != nil {
			metrics.NotificationsFailedTotal.Inc()
			n.log.WithJobID(c.Job.ID).Error("webhook delivery failed",
				"webhook_url", c.Job.Config.WebhookURL,
				"error", err.Error(),
			)
			continue
		}
		n.log.WithJobID(c.Job.ID).Info("webhook delivered")
	}
}

func (n *Notifier) deliver(ctx context.Context, c worker.Completion) error {
	rc, _, _, err := n.storage.GetObject(ctx, c.Job.OutputPath)
	if err != nil {
		return fmt.Errorf("fetch video: %w", err)
	}
	defer rc.Close()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	p := payload{
		JobID:    c.Job.ID,
		Filename: c.Job.Filename,
		Content:  fmt.Sprintf("Render finished: %s", c.Job.Filename),
	}
	for _, pl := range c.Participants {
		p.Players = append(p.Players, playerRow{
			Name:     pl.Name,
			Clan:     pl.Clan,
			Ship:     pl.Ship,
			Relation: pl.Relation,
			BuildURL: pl.BuildURL,
		})
	}

	meta, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := mw.WriteField("payload_json", string(meta)); err != nil {
		return err
	}

	part, err := mw.CreateFormFile("file", c.Job.ID+".mp4")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("copy video: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Job.Config.WebhookURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(snippet))
	}

	return nil
}
