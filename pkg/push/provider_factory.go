package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"skillswap-backend/pkg/config"
	"skillswap-backend/pkg/logger"
)

// NewProviders builds the provider for each token type from configuration.
// "mock" routes every token type to one MockProvider. "firebase" routes
// fcm/web tokens to FCM and, when APNs credentials are present, apns tokens
// to APNs; "apns" does the reverse.
func NewProviders(ctx context.Context, cfg config.PushConfig) (map[TokenType]Provider, error) {
	logger.Info("Initializing push notification providers", zap.String("provider", cfg.Provider))

	providers := make(map[TokenType]Provider)
	switch cfg.Provider {
	case "mock", "":
		mock := &MockProvider{}
		providers[TokenTypeFCM] = mock
		providers[TokenTypeWeb] = mock
		providers[TokenTypeAPNs] = mock
		return providers, nil
	case "firebase":
		if err := addFCM(ctx, cfg, providers); err != nil {
			return nil, err
		}
		if cfg.APNsKeyPath != "" {
			if err := addAPNs(cfg, providers); err != nil {
				return nil, err
			}
		}
	case "apns":
		if err := addAPNs(cfg, providers); err != nil {
			return nil, err
		}
		if cfg.FirebaseCredPath != "" {
			if err := addFCM(ctx, cfg, providers); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Provider)
	}
	return providers, nil
}

func addFCM(ctx context.Context, cfg config.PushConfig, providers map[TokenType]Provider) error {
	fcm, err := NewFCMProvider(ctx, &FCMConfig{
		CredentialsPath: cfg.FirebaseCredPath,
		ProjectID:       cfg.FirebaseProjectID,
	})
	if err != nil {
		return err
	}
	providers[TokenTypeFCM] = fcm
	providers[TokenTypeWeb] = fcm
	return nil
}

func addAPNs(cfg config.PushConfig, providers map[TokenType]Provider) error {
	apns, err := NewAPNsProvider(&APNsConfig{
		KeyPath:    cfg.APNsKeyPath,
		KeyID:      cfg.APNsKeyID,
		TeamID:     cfg.APNsTeamID,
		Topic:      cfg.APNsTopic,
		Production: cfg.APNsProduction,
	})
	if err != nil {
		return err
	}
	providers[TokenTypeAPNs] = apns
	return nil
}
