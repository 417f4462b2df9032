// Package notify shows vault events as desktop notifications through the
// freedesktop.org notification service.
package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/kriansa/vaultctl/internal/log"
	"github.com/kriansa/vaultctl/internal/status"
)

const (
	dbusService = "org.freedesktop.Notifications"
	dbusPath    = "/org/freedesktop/Notifications"
	dbusNotify  = dbusService + ".Notify"

	appName = "vaultctl"
	// expireDefault lets the notification server pick the timeout
	expireDefault int32 = -1
)

// Conn is the part of a bus connection the notifier needs. *dbus.Conn
// satisfies it.
type Conn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Close() error
}

// Notifier implements status.Subscriber by raising desktop notifications for
// operation results and probe warnings. Successive notifications replace each
// other instead of piling up.
type Notifier struct {
	conn Conn

	mu        sync.Mutex
	replaceID uint32
}

// NotifierOption is a functional option for Notifier
type NotifierOption func(*Notifier)

// WithConnection sets the bus connection instead of dialing the session bus
func WithConnection(conn Conn) NotifierOption {
	return func(n *Notifier) {
		n.conn = conn
	}
}

// NewNotifier connects to the session bus unless a connection is provided
func NewNotifier(opts ...NotifierOption) (*Notifier, error) {
	n := &Notifier{}
	for _, opt := range opts {
		opt(n)
	}

	if n.conn == nil {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return nil, fmt.Errorf("connect to session bus: %w", err)
		}
		n.conn = conn
	}

	return n, nil
}

// Close closes the bus connection
func (n *Notifier) Close() error {
	return n.conn.Close()
}

// HandleEvent turns an event into a notification. Events the user does not
// need to see are ignored.
func (n *Notifier) HandleEvent(e status.Event) {
	summary, body, icon, ok := describe(e)
	if !ok {
		return
	}
	if err := n.send(summary, body, icon); err != nil {
		log.Warn("failed to send desktop notification", "summary", summary, "error", err)
	}
}

func (n *Notifier) send(summary, body, icon string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	obj := n.conn.Object(dbusService, dbus.ObjectPath(dbusPath))
	call := obj.Call(dbusNotify, 0,
		appName,
		n.replaceID,
		icon,
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{},
		expireDefault,
	)
	if call.Err != nil {
		return fmt.Errorf("Notify: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("store Notify result: %w", err)
	}
	n.replaceID = id
	return nil
}

// describe returns the notification text for e
func describe(e status.Event) (summary, body, icon string, ok bool) {
	switch e.Type {
	case status.OperationSucceeded:
		if e.Op == status.OpMount {
			return "Vault mounted", e.Paths.MountPoint, "drive-harddisk-encrypted", true
		}
		return "Vault unmounted", e.Paths.MountPoint, "drive-harddisk", true

	case status.OperationFailed:
		return failureSummary(e), errText(e.Err), "dialog-error", true

	case status.ProbeWarning:
		return "Vault status unknown", errText(e.Err), "dialog-warning", true
	}
	return "", "", "", false
}

func failureSummary(e status.Event) string {
	switch e.Kind {
	case status.KindConfig:
		return "Vault is not configured"
	case status.KindBusy:
		return "Vault is busy"
	case status.KindNotMounted:
		return "Vault is not mounted"
	case status.KindSpawn:
		return "Could not run the encryption tool"
	case status.KindCanceled:
		return "Vault operation canceled"
	}
	if e.Op == status.OpUnmount {
		return "Failed to unmount vault"
	}
	return "Failed to mount vault"
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
