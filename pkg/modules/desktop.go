package modules

import (
	"context"
	"fmt"

	"github.com/hostrig/hostrig/pkg/engine"
)

var desktopPackages = map[string]string{
	"xfce":  "xfce4 xfce4-goodies",
	"gnome": "gnome-core",
	"kde":   "kde-plasma-desktop",
}

// Desktop installs the configured desktop environment and display manager.
type Desktop struct{}

// CheckPrerequisites validates the desktop section and resolves the
// environment to a known package set.
func (m *Desktop) CheckPrerequisites(ctx context.Context, rc *engine.RunContext) error {
	if err := checkSection(rc.Config.Desktop); err != nil {
		return err
	}
	if _, ok := desktopPackages[rc.Config.Desktop.Environment]; !ok {
		return fmt.Errorf("unsupported desktop environment %q", rc.Config.Desktop.Environment)
	}
	return probe(ctx, rc, "apt-get")
}

// Execute installs the environment packages, then the display manager, then
// marks the display manager as the system default.
func (m *Desktop) Execute(ctx context.Context, rc *engine.RunContext) error {
	env := rc.Config.Desktop.Environment
	dm := rc.Config.Desktop.DisplayManager
	packages := desktopPackages[env]

	if err := step(ctx, rc,
		fmt.Sprintf("installed %s desktop environment", env),
		"apt-get install -y "+packages,
		"apt-get remove -y "+packages,
	); err != nil {
		return err
	}

	if err := step(ctx, rc,
		fmt.Sprintf("installed display manager %s", dm),
		"apt-get install -y "+dm,
		"apt-get remove -y "+dm,
	); err != nil {
		return err
	}

	return step(ctx, rc,
		fmt.Sprintf("set default display manager to %s", dm),
		fmt.Sprintf("printf '/usr/sbin/%s\\n' > /etc/X11/default-display-manager", dm),
		"rm -f /etc/X11/default-display-manager",
	)
}
