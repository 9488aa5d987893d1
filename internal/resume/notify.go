package resume

import "github.com/rs/zerolog"

// Notifier shows user-facing messages.
type Notifier interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Info(msg string)  { n.Log.Info().Msg(msg) }
func (n LogNotifier) Warn(msg string)  { n.Log.Warn().Msg(msg) }
func (n LogNotifier) Error(msg string) { n.Log.Error().Msg(msg) }
