package notify

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"

	"crowdfundBack/internal/pledge/settlement"
)

const (
	TypePledgeSettled = "pledge_settled"
	TypeProjectFunded = "project_funded"

	androidChannel = "high_priority_channel"
)

// Sender is the subset of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FCM pushes settled pledges to the "project-<id>" topic and thanks the payer
// on the "user-<id>" topic.
type FCM struct {
	client Sender
	logger Logger
}

func NewFCM(client Sender, logger Logger) *FCM {
	return &FCM{client: client, logger: logger}
}

// NewFCMFromCredentials initialises a firebase app from a service account file.
func NewFCMFromCredentials(ctx context.Context, credentialsFile string, logger Logger) (*FCM, error) {
	if credentialsFile == "" {
		return nil, errors.New("firebase credentials file is required")
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return NewFCM(client, logger), nil
}

func ProjectTopic(projectID string) string { return "project-" + projectID }

func UserTopic(userID string) string { return "user-" + userID }

func (f *FCM) PublishSettled(ctx context.Context, ev settlement.SettledEvent) error {
	data := map[string]string{
		"type":          TypePledgeSettled,
		"projectId":     ev.ProjectID,
		"currentAmount": ev.CurrentAmount.String(),
		"targetAmount":  ev.TargetAmount.String(),
		"status":        string(ev.Status),
	}

	var errs []error
	if ev.BecameFunded {
		data["type"] = TypeProjectFunded
		msg := alert(ProjectTopic(ev.ProjectID), "Project funded",
			fmt.Sprintf("The project reached its goal of %s", ev.TargetAmount.StringFixed(2)), data)
		errs = append(errs, f.send(ctx, msg))
	} else {
		errs = append(errs, f.send(ctx, &messaging.Message{
			Topic:   ProjectTopic(ev.ProjectID),
			Data:    data,
			Android: &messaging.AndroidConfig{Priority: "normal"},
		}))
	}

	if ev.PayerID != "" {
		msg := alert(UserTopic(ev.PayerID), "Pledge confirmed",
			fmt.Sprintf("Your pledge of %s was received", ev.Amount.StringFixed(2)),
			map[string]string{"type": TypePledgeSettled, "projectId": ev.ProjectID, "captureId": ev.CaptureID})
		errs = append(errs, f.send(ctx, msg))
	}
	return errors.Join(errs...)
}

func (f *FCM) send(ctx context.Context, msg *messaging.Message) error {
	id, err := f.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("fcm send to %s: %w", msg.Topic, err)
	}
	if f.logger != nil {
		f.logger.Infof("fcm: sent %s to %s", id, msg.Topic)
	}
	return nil
}

func alert(topic, title, body string, data map[string]string) *messaging.Message {
	return &messaging.Message{
		Topic: topic,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: androidChannel,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: title,
						Body:  body,
					},
					Sound: "default",
				},
			},
		},
	}
}
