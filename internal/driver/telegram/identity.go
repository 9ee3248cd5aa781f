package telegram

import "kiroku/pkg/kiroku"

const (
	// DriverType is the configured driver type token for the Telegram runtime.
	DriverType = "telegram"
	// DriverPlatform is the neutral kiroku platform produced by the Telegram runtime.
	DriverPlatform kiroku.Platform = kiroku.PlatformTelegram
)
