package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/0xPuncker/undertaker/internal/agent"
	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/0xPuncker/undertaker/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var _ agent.Notifier = (*SlackService)(nil)

type SlackService struct {
	logger          *logrus.Logger
	webhookURL      string
	client          *http.Client
	NotifyOnSuccess bool
}

type SlackMessage struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	Color  string  `json:"color,omitempty"`
	Text   string  `json:"text,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	Footer string  `json:"footer,omitempty"`
	Ts     int64   `json:"ts,omitempty"`
}

type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewSlackService(logger *logrus.Logger, webhookURL string) (*SlackService, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack webhook URL is not set")
	}

	return &SlackService{
		logger:     logger,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// JobFinished posts the outcome of a job. Completed jobs are only posted
// when NotifyOnSuccess is set.
func (s *SlackService) JobFinished(job storage.Job, status types.Status, elapsed time.Duration, err error) {
	if status == types.StatusCompleted && !s.NotifyOnSuccess {
		return
	}

	message := formatJobNotification(job, status, elapsed, err)
	if sendErr := s.SendSlackMessage(message); sendErr != nil {
		s.logger.WithFields(logrus.Fields{
			"job_id": job.ID(),
			"error":  sendErr.Error(),
		}).Error("Failed to send job notification")
	}
}

// NotifyStartup announces that an agent came up.
func (s *SlackService) NotifyStartup(workers int, driver string, stats types.StoreStats) error {
	message := &SlackMessage{
		Text: "🚀 Undertaker agent started",
		Attachments: []Attachment{
			{
				Color: "#36a64f",
				Fields: []Field{
					{Title: "Workers", Value: fmt.Sprintf("%d", workers), Short: true},
					{Title: "Storage", Value: driver, Short: true},
					{Title: "Ready", Value: fmt.Sprintf("%d", stats.Ready), Short: true},
					{Title: "Blocked", Value: fmt.Sprintf("%d", stats.Blocked), Short: true},
				},
				Ts: time.Now().Unix(),
			},
		},
	}
	return s.SendSlackMessage(message)
}

func formatJobNotification(job storage.Job, status types.Status, elapsed time.Duration, jobErr error) *SlackMessage {
	var color string
	var icon string

	switch status {
	case types.StatusCompleted:
		color = "good"
		icon = "✅"
	case types.StatusError:
		color = "danger"
		icon = "❌"
	default:
		color = "#808080"
		icon = "ℹ️"
	}

	title := cases.Title(language.English)
	fields := []Field{
		{
			Title: "Job Name",
			Value: title.String(job.Name()),
			Short: true,
		},
		{
			Title: "Status",
			Value: title.String(status.String()),
			Short: true,
		},
		{
			Title: "Work",
			Value: job.Work().String(),
			Short: true,
		},
		{
			Title: "Duration",
			Value: utils.FormatElapsed(elapsed),
			Short: true,
		},
	}

	if jobErr != nil {
		fields = append(fields, Field{
			Title: "Error",
			Value: jobErr.Error(),
			Short: false,
		})
	}

	message := &SlackMessage{
		Text: fmt.Sprintf("%s Job Status Update", icon),
		Attachments: []Attachment{
			{
				Color:  color,
				Fields: fields,
				Footer: fmt.Sprintf("Job: %s | Claim: %d", job.ID(), job.Claim()),
				Ts:     time.Now().Unix(),
			},
		},
	}
	if job.Description() != "" {
		message.Attachments[0].Text = job.Description()
	}
	return message
}

func (s *SlackService) SendSlackMessage(message *SlackMessage) error {
	jsonMessage, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("error marshaling slack message: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewBuffer(jsonMessage))
	if err != nil {
		return fmt.Errorf("error sending slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned non-200 status code: %d", resp.StatusCode)
	}

	s.logger.Debug("Successfully sent message to Slack")
	return nil
}
