package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

const androidPriorityHigh = "high"

var errMissingDeviceToken = errors.New("notifications: device token is required")

// FirebaseConfig selects the Firebase project used for Cloud Messaging.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FirebaseSender delivers push notifications through Firebase Cloud Messaging.
type FirebaseSender struct {
	client messageSender
}

// NewFirebaseSender initializes a Firebase app and its messaging client.
func NewFirebaseSender(ctx context.Context, cfg FirebaseConfig) (*FirebaseSender, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("notifications: firebase project id is required")
	}
	var options []option.ClientOption
	if cfg.CredentialsFile != "" {
		options = append(options, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, options...)
	if err != nil {
		return nil, fmt.Errorf("notifications: init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("notifications: init firebase messaging: %w", err)
	}
	return &FirebaseSender{client: client}, nil
}

// SendPush sends one notification to the device token with Android high priority.
func (s *FirebaseSender) SendPush(ctx context.Context, token, title, body string) error {
	message, err := buildPushMessage(token, title, body)
	if err != nil {
		return err
	}
	if _, err := s.client.Send(ctx, message); err != nil {
		return fmt.Errorf("notifications: firebase send: %w", err)
	}
	return nil
}

func buildPushMessage(token, title, body string) (*messaging.Message, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errMissingDeviceToken
	}
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Android: &messaging.AndroidConfig{
			Priority: androidPriorityHigh,
		},
	}, nil
}
