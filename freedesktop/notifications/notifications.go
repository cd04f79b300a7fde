// Package notifications provides an interface to the Freedesktop
// notifications API.
//
// This corresponds to the org.freedesktop.Notifications service on
// the session bus.
package notifications

import (
	"context"
	"fmt"

	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/client"
)

const (
	// Service is the well-known bus name of the notification service.
	Service = "org.freedesktop.Notifications"
	// Path is the object path of the notification service.
	Path dasbus.ObjectPath = "/org/freedesktop/Notifications"
	// InterfaceName is the name of the notifications interface.
	InterfaceName = "org.freedesktop.Notifications"
)

type Notifications struct{ proxy *client.InterfaceProxy }

// New returns an interface to the session's notification service.
func New(bus dasbus.Bus, opts ...client.Option) Notifications {
	return Notifications{client.NewInterfaceProxy(bus, Service, Path, InterfaceName, opts...)}
}

// Interface returns Notifications backed by the given proxy, which
// must be a proxy for [InterfaceName].
func Interface(proxy *client.InterfaceProxy) Notifications {
	return Notifications{proxy}
}

// Disconnect disconnects all signal callbacks.
func (iface Notifications) Disconnect() { iface.proxy.Disconnect() }

// Capabilities enumerates the optional capabilities of a notification
// service.
//
// GNOME implements actions, body, body-markup, icon-static,
// persistence and sound. KDE also implements body-hyperlinks,
// body-images, inhibitions, inline-reply and its own x-kde-*
// extensions.
type Capabilities struct {
	// Actions reports whether notifications can carry actions, which
	// trigger ActionInvoked when the user picks them.
	Actions bool
	// ActionIcons reports whether actions can be shown as icons
	// rather than text.
	ActionIcons bool
	// Body reports whether notifications can have a body in addition
	// to their summary. Clients should not assume it.
	Body bool
	// BodyLinks reports whether bodies can include hyperlinks.
	BodyLinks bool
	// BodyImages reports whether bodies can include images.
	BodyImages bool
	// BodyMarkup reports whether bodies can use the notification
	// markup subset of HTML.
	BodyMarkup bool
	// Icon reports whether notifications can have an icon.
	Icon bool
	// IconAnimation reports whether icons can be animated.
	IconAnimation bool
	// Persistence reports whether notifications stay on screen until
	// dismissed.
	Persistence bool
	// Sound reports whether notifications can play a sound.
	Sound bool

	// Inhibitions reports support for the Inhibit method. KDE only.
	Inhibitions bool
	// InlineReply reports whether notifications can prompt for a text
	// reply. KDE only.
	InlineReply bool
	// ContextURLs reports whether notifications accept URL hints.
	// KDE only.
	ContextURLs bool
	// DisplayAppName reports whether notifications can show a pretty
	// application name. KDE only.
	DisplayAppName bool
	// DisplayOriginName reports whether notifications can show an
	// origin, such as a website or chat contact. KDE only.
	DisplayOriginName bool

	// Unknown collects the capability strings that aren't known to
	// this package.
	Unknown []string
}

// Capabilities reports the capabilities of the notification service.
func (iface Notifications) Capabilities(ctx context.Context) (caps Capabilities, err error) {
	body, err := iface.proxy.CallVariant(ctx, "GetCapabilities")
	if err != nil {
		return Capabilities{}, err
	}
	var resp struct{ Caps []string }
	if err := body.Store(&resp); err != nil {
		return Capabilities{}, fmt.Errorf("reading capabilities: %w", err)
	}
	for _, c := range resp.Caps {
		switch c {
		case "actions":
			caps.Actions = true
		case "action-icons":
			caps.ActionIcons = true
		case "body":
			caps.Body = true
		case "body-hyperlinks":
			caps.BodyLinks = true
		case "body-images":
			caps.BodyImages = true
		case "body-markup":
			caps.BodyMarkup = true
		case "icon-static":
			caps.Icon = true
		case "icon-multi":
			caps.Icon = true
			caps.IconAnimation = true
		case "persistence":
			caps.Persistence = true
		case "sound":
			caps.Sound = true

		case "inhibitions":
			caps.Inhibitions = true
		case "inline-reply":
			caps.InlineReply = true
		case "x-kde-display-appname":
			caps.DisplayAppName = true
		case "x-kde-origin-name":
			caps.DisplayOriginName = true
		case "x-kde-urls":
			caps.ContextURLs = true

		default:
			caps.Unknown = append(caps.Unknown, c)
		}
	}
	return caps, nil
}

// ServerInformation identifies the notification service.
type ServerInformation struct {
	Name        string
	Vendor      string
	Version     string
	SpecVersion string
}

// ServerInformation returns the identity of the notification service.
func (iface Notifications) ServerInformation(ctx context.Context) (ServerInformation, error) {
	body, err := iface.proxy.CallVariant(ctx, "GetServerInformation")
	if err != nil {
		return ServerInformation{}, err
	}
	var ret ServerInformation
	if err := body.Store(&ret); err != nil {
		return ServerInformation{}, fmt.Errorf("reading server information: %w", err)
	}
	return ret, nil
}

// Notification is a notification to show.
type Notification struct {
	AppName string
	// ReplacesID, if non-zero, is the ID of a notification that this
	// one replaces.
	ReplacesID uint32
	AppIcon    string
	Summary    string
	Body       string
	// Actions alternates action keys and their display labels.
	Actions []string
	Hints   map[string]any
	// Timeout is the display time in milliseconds. -1 lets the server
	// decide, and 0 never expires.
	Timeout int32
}

// Notify shows n, and returns its ID.
func (iface Notifications) Notify(ctx context.Context, n Notification) (id uint32, err error) {
	hints := n.Hints
	if hints == nil {
		hints = map[string]any{}
	}
	actions := n.Actions
	if actions == nil {
		actions = []string{}
	}
	ret, err := iface.proxy.Call(ctx, "Notify", n.AppName, n.ReplacesID, n.AppIcon, n.Summary, n.Body, actions, hints, n.Timeout)
	if err != nil {
		return 0, err
	}
	id, ok := ret.(uint32)
	if !ok {
		return 0, fmt.Errorf("notification ID has type %T, want uint32", ret)
	}
	return id, nil
}

// Close closes the notification id.
func (iface Notifications) Close(ctx context.Context, id uint32) error {
	_, err := iface.proxy.Call(ctx, "CloseNotification", id)
	return err
}

// Inhibit suppresses notifications until the returned cancel function
// is called. It is a KDE extension, see [Capabilities.Inhibitions].
func (iface Notifications) Inhibit(ctx context.Context, desktopEntry, reason string, hints map[string]any) (cancel func(context.Context) error, err error) {
	if hints == nil {
		hints = map[string]any{}
	}
	ret, err := iface.proxy.Call(ctx, "Inhibit", desktopEntry, reason, hints)
	if err != nil {
		return nil, err
	}
	cookie, ok := ret.(uint32)
	if !ok {
		return nil, fmt.Errorf("inhibition cookie has type %T, want uint32", ret)
	}
	cancel = func(ctx context.Context) error {
		_, err := iface.proxy.Call(ctx, "UnInhibit", cookie)
		return err
	}
	return cancel, nil
}

// Inhibited reports whether notifications are currently inhibited.
func (iface Notifications) Inhibited(ctx context.Context) (bool, error) {
	v, err := iface.proxy.GetVariant(ctx, "Inhibited")
	if err != nil {
		return false, err
	}
	var ret bool
	err = v.Store(&ret)
	return ret, err
}

// CloseReason is the reason a notification was closed.
type CloseReason uint32

const (
	ReasonExpired CloseReason = iota + 1
	ReasonDismissed
	ReasonClosed
	ReasonUndefined
)

func (r CloseReason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonDismissed:
		return "dismissed"
	case ReasonClosed:
		return "closed"
	case ReasonUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("CloseReason(%d)", uint32(r))
	}
}

// ActionInvoked is the org.freedesktop.Notifications.ActionInvoked
// signal.
type ActionInvoked struct {
	ID        uint32
	ActionKey string
}

// NotificationClosed is the
// org.freedesktop.Notifications.NotificationClosed signal.
type NotificationClosed struct {
	ID     uint32
	Reason CloseReason
}

// NotificationReplied is the
// org.freedesktop.Notifications.NotificationReplied signal.
type NotificationReplied struct {
	ID   uint32
	Text string
}

// OnActionInvoked calls fn whenever the user invokes an action of a
// notification.
func (iface Notifications) OnActionInvoked(ctx context.Context, fn func(ActionInvoked)) error {
	return onSignal(ctx, iface, "ActionInvoked", fn)
}

// OnNotificationClosed calls fn whenever a notification is closed.
func (iface Notifications) OnNotificationClosed(ctx context.Context, fn func(NotificationClosed)) error {
	return onSignal(ctx, iface, "NotificationClosed", fn)
}

// OnNotificationReplied calls fn whenever the user replies to a
// notification inline. It is a KDE extension.
func (iface Notifications) OnNotificationReplied(ctx context.Context, fn func(NotificationReplied)) error {
	return onSignal(ctx, iface, "NotificationReplied", fn)
}

func onSignal[T any](ctx context.Context, iface Notifications, name string, fn func(T)) error {
	sig, err := iface.proxy.Signal(ctx, name)
	if err != nil {
		return err
	}
	client.ConnectAs(sig, fn)
	return nil
}
