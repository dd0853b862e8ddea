package push

import (
	"context"

	"IMProject/logger"
	"IMProject/module/chat/model"

	"github.com/pkg/errors"
)

// DeviceSource resolves a user's push-capable devices and retires dead
// tokens.
type DeviceSource interface {
	ActiveDevices(ctx context.Context, userID string) ([]model.Device, error)
	ClearTokens(ctx context.Context, tokens []string) error
}

// UserNotifier fans one notification out to every active device a user
// owns, routing each token to its platform's provider.
type UserNotifier struct {
	store   DeviceSource
	android Provider
	ios     Provider
}

func NewUserNotifier(store DeviceSource, android, ios Provider) *UserNotifier {
	return &UserNotifier{store: store, android: android, ios: ios}
}

func (n *UserNotifier) SendToUser(ctx context.Context, userID, title, body string, data map[string]string) error {
	devices, err := n.store.ActiveDevices(ctx, userID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}
	isCall := data["type"] == callDataType

	var androidTokens, iosTokens []string
	for _, d := range devices {
		switch d.Platform {
		case "ios":
			token := d.PushToken
			if isCall && d.VoipToken != "" {
				token = d.VoipToken
			}
			iosTokens = append(iosTokens, token)
		default:
			androidTokens = append(androidTokens, d.PushToken)
		}
	}

	var invalid []string
	if len(androidTokens) > 0 && n.android != nil {
		res, err := n.android.SendBatch(ctx, androidTokens, title, body, data)
		if err != nil {
			return errors.Wrap(err, "android push")
		}
		invalid = append(invalid, res.InvalidTokens...)
	}
	if len(iosTokens) > 0 && n.ios != nil {
		res, err := n.ios.SendBatch(ctx, iosTokens, title, body, data)
		if err != nil {
			return errors.Wrap(err, "ios push")
		}
		invalid = append(invalid, res.InvalidTokens...)
	}
	if len(invalid) > 0 {
		if err := n.store.ClearTokens(ctx, invalid); err != nil {
			logger.Warnf("clear tokens for %s: %v", userID, err)
		}
	}
	return nil
}
