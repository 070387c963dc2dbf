// Package notify delivers "recipe ready" push notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

type Notifier interface {
	NotifyRecipeReady(ctx context.Context, token, recipeID, title string) error
}

// FCM sends through Firebase Cloud Messaging.
type FCM struct {
	client *messaging.Client
	logger *slog.Logger
}

// NewFCM initialises a Firebase app from a service account file. An empty
// credentialsFile falls back to application default credentials.
func NewFCM(ctx context.Context, credentialsFile string, logger *slog.Logger) (*FCM, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init fcm client: %w", err)
	}
	return &FCM{client: client, logger: logger}, nil
}

func (f *FCM) NotifyRecipeReady(ctx context.Context, token, recipeID, title string) error {
	id, err := f.client.Send(ctx, RecipeReadyMessage(token, recipeID, title))
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	f.logger.Info("push notification sent", "recipe_id", recipeID, "message_id", id)
	return nil
}

// RecipeReadyMessage builds the push payload. The data block carries the
// deep link the mobile app opens.
func RecipeReadyMessage(token, recipeID, title string) *messaging.Message {
	badge := 1
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: "Recipe Ready! 🍝",
			Body:  fmt.Sprintf("'%s' has been imported to your collection", title),
		},
		Data: map[string]string{
			"type":      "recipe_imported",
			"recipe_id": recipeID,
			"deep_link": "eylo://recipe/" + recipeID,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Icon:  "ic_recipe",
				Color: "#FF6B35",
				Sound: "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound:    "default",
					Badge:    &badge,
					Category: "RECIPE_READY",
				},
			},
		},
	}
}

// Noop logs instead of sending. It is used when no FCM credentials are
// configured.
type Noop struct {
	Logger *slog.Logger
}

func (n Noop) NotifyRecipeReady(ctx context.Context, token, recipeID, title string) error {
	if n.Logger != nil {
		n.Logger.Debug("push notifications disabled", "recipe_id", recipeID)
	}
	return nil
}
