// Package background provides an interface to the Freedesktop Flatpak
// background applications monitor.
//
// This corresponds to the org.freedesktop.background.Monitor service
// on the session bus, which reports the Flatpak applications running
// with no visible GUI.
package background

import (
	"context"
	"fmt"

	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/client"
)

const (
	Service                         = "org.freedesktop.background.Monitor"
	Path          dasbus.ObjectPath = "/org/freedesktop/background/monitor"
	InterfaceName                   = "org.freedesktop.background.Monitor"
)

type Monitor struct{ proxy *client.InterfaceProxy }

// New returns an interface to the Flatpak background applications
// monitor.
func New(bus dasbus.Bus, opts ...client.Option) Monitor {
	return Monitor{client.NewInterfaceProxy(bus, Service, Path, InterfaceName, opts...)}
}

// App is a Flatpak application running in the background.
type App struct {
	// ID is the application's Flatpak ID.
	ID string
	// Instance is the application instance's ID.
	Instance string
	// Status is a status message provided by the application.
	Status string

	// Unknown collects any application attributes that are not
	// yet understood by this package.
	Unknown map[string]any
}

// BackgroundApps returns the Flatpak applications running in the
// background.
func (iface Monitor) BackgroundApps(ctx context.Context) ([]App, error) {
	v, err := iface.proxy.GetVariant(ctx, "BackgroundApps")
	if err != nil {
		return nil, err
	}
	var raw []map[string]dasbus.Variant
	if err := v.Store(&raw); err != nil {
		return nil, fmt.Errorf("reading background apps: %w", err)
	}
	ret := make([]App, 0, len(raw))
	for _, attrs := range raw {
		app, err := parseApp(attrs)
		if err != nil {
			return nil, err
		}
		ret = append(ret, app)
	}
	return ret, nil
}

func parseApp(attrs map[string]dasbus.Variant) (App, error) {
	var ret App
	for k, v := range attrs {
		var dst *string
		switch k {
		case "app_id":
			dst = &ret.ID
		case "instance":
			dst = &ret.Instance
		case "message":
			dst = &ret.Status
		default:
			if ret.Unknown == nil {
				ret.Unknown = map[string]any{}
			}
			ret.Unknown[k] = dasbus.Unwrap(v)
			continue
		}
		if err := v.Store(dst); err != nil {
			return App{}, fmt.Errorf("reading background app attribute %q: %w", k, err)
		}
	}
	return ret, nil
}
