// Package nas issues outbound authorization and disconnect commands to
// network access servers. Commands are queued and retried off the
// accounting path; no caller waits on NAS I/O.
package nas

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type CommandType string

const (
	CommandAuthorize  CommandType = "authorize"
	CommandDisconnect CommandType = "disconnect"
)

// RateLimits carries the package speed class to the NAS.
type RateLimits struct {
	SpeedClass   string `json:"speed_class,omitempty"`
	DownloadKbps int64  `json:"download_kbps"`
	UploadKbps   int64  `json:"upload_kbps"`
}

type Command struct {
	Type           CommandType
	VoucherCode    string
	NASID          string
	SessionKey     string
	MACAddress     string
	RateLimits     RateLimits
	SessionTimeout time.Duration
	Reason         string
}

func Authorize(voucherCode, mac string, limits RateLimits, sessionTimeout time.Duration) Command {
	return Command{
		Type:           CommandAuthorize,
		VoucherCode:    voucherCode,
		MACAddress:     mac,
		RateLimits:     limits,
		SessionTimeout: sessionTimeout,
	}
}

func Disconnect(voucherCode, nasID, sessionKey, reason string) Command {
	return Command{
		Type:        CommandDisconnect,
		VoucherCode: voucherCode,
		NASID:       nasID,
		SessionKey:  sessionKey,
		Reason:      reason,
	}
}

// Commander is the NAS-facing collaborator (CoA client, router API).
type Commander interface {
	Authorize(ctx context.Context, macAddress string, limits RateLimits, sessionTimeout time.Duration) error
	Disconnect(ctx context.Context, nasID, sessionKey string) error
}

// Sink accepts commands for asynchronous delivery.
type Sink interface {
	Enqueue(cmd Command) bool
}

// LogCommander only logs commands. It is the default when no NAS client
// is configured.
type LogCommander struct {
	log *zap.Logger
}

func NewLogCommander(log *zap.Logger) *LogCommander {
	return &LogCommander{log: log.Named("nas.commander")}
}

func (c *LogCommander) Authorize(_ context.Context, macAddress string, limits RateLimits, sessionTimeout time.Duration) error {
	c.log.Info("authorize",
		zap.String("mac_address", macAddress),
		zap.Int64("download_kbps", limits.DownloadKbps),
		zap.Int64("upload_kbps", limits.UploadKbps),
		zap.Duration("session_timeout", sessionTimeout),
	)
	return nil
}

func (c *LogCommander) Disconnect(_ context.Context, nasID, sessionKey string) error {
	c.log.Info("disconnect", zap.String("nas_id", nasID), zap.String("session_key", sessionKey))
	return nil
}
