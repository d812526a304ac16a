package client

import (
	"context"

	"github.com/sirupsen/logrus"
)

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Notifier is the desktop side: notifications, sounds and transient toasts.
type Notifier interface {
	Permission() Permission
	Request(ctx context.Context) (Permission, error)
	Show(title, body string) error
	Sound() error
	Toast(message string)
}

// LogNotifier writes everything to a logger, for headless clients.
type LogNotifier struct {
	Log *logrus.Entry
}

func (n LogNotifier) Permission() Permission { return PermissionGranted }

func (n LogNotifier) Request(context.Context) (Permission, error) { return PermissionGranted, nil }

func (n LogNotifier) Show(title, body string) error {
	n.Log.WithField("title", title).Info(body)
	return nil
}

func (n LogNotifier) Sound() error { return nil }

func (n LogNotifier) Toast(message string) {
	n.Log.Warn(message)
}
