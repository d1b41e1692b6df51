package notify

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"

	"calalert/internal/model"
)

const (
	notificationsDest   = "org.freedesktop.Notifications"
	notificationsPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsNotify = "org.freedesktop.Notifications.Notify"
)

// caller is the part of dbus.BusObject used here.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DBus sends org.freedesktop.Notifications.Notify on the session bus.
type DBus struct {
	expire  time.Duration
	connect func() (caller, error)
}

func NewDBus(expire time.Duration) *DBus {
	return &DBus{expire: expire, connect: sessionNotifications}
}

func sessionNotifications() (caller, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}
	return conn.Object(notificationsDest, notificationsPath), nil
}

func (d *DBus) Show(ctx context.Context, title, body, icon string) error {
	obj, err := d.connect()
	if err != nil {
		return &model.NotifyError{Notifier: KindDBus, Err: err}
	}

	call := obj.CallWithContext(ctx, notificationsNotify, 0,
		AppName,
		uint32(0), // replaces_id
		icon,
		title,
		body,
		[]string{},
		map[string]dbus.Variant{},
		expireMillis(d.expire),
	)
	if call.Err != nil {
		return &model.NotifyError{Notifier: KindDBus, Err: call.Err}
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return &model.NotifyError{Notifier: KindDBus, Err: err}
	}
	return nil
}
