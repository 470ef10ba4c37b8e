package daemon

import (
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
)

// notifySystemd reports a state change to the service manager. Outside a
// systemd unit NOTIFY_SOCKET is unset and nothing is sent.
func (d *Daemon) notifySystemd(state string) {
	sent, err := sdnotify.SdNotify(false, state)
	if err != nil {
		d.logger.Warn().Err(err).Str("state", state).Msg("Failed to notify systemd")
		return
	}
	if sent {
		d.logger.Debug().Str("state", state).Msg("Notified systemd")
	}
}

// watchdogInterval returns how often to ping the systemd watchdog, zero when it is off
func watchdogInterval() time.Duration {
	timeout, err := sdnotify.SdWatchdogEnabled(false)
	if err != nil || timeout <= 0 {
		return 0
	}
	return timeout / 2
}
