package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// notifyReady tells systemd the device is up. It runs after Start, so
// units ordered after virtiod only proceed once DRIVER_OK is set.
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
func notifyReady(l *logrus.Logger) {
	sdNotify(l, "READY=1\nSTATUS=device running")
}

// sdNotify sends one state datagram to the systemd notification socket.
// Outside of systemd (no NOTIFY_SOCKET in the environment) it is a no-op.
func sdNotify(l *logrus.Logger, state string) {
	path := os.Getenv("NOTIFY_SOCKET")
	if path == "" {
		l.Debugln("NOTIFY_SOCKET systemd env var not set, not sending state")
		return
	}

	conn, err := net.DialTimeout("unixgram", path, time.Second)
	if err != nil {
		l.WithError(err).WithField("socket", path).
			Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write([]byte(state)); err != nil {
		l.WithError(err).WithField("socket", path).
			Error("Failed to write to the systemd notification socket")
		return
	}

	l.WithField("state", state).Debugln("Notified systemd")
}
