package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/hostrig/hostrig/pkg/engine"
)

// RDPServer installs and configures xrdp for remote desktop access.
type RDPServer struct{}

// CheckPrerequisites validates the remote section. The listen port is
// checked here rather than at execute time so a bad port blocks the module
// before anything is installed.
func (m *RDPServer) CheckPrerequisites(ctx context.Context, rc *engine.RunContext) error {
	if err := checkSection(rc.Config.Remote); err != nil {
		return err
	}
	if rc.Config.Remote.Port <= 0 {
		return fmt.Errorf("remote port not configured")
	}
	return probe(ctx, rc, "apt-get")
}

// Execute installs xrdp, rewrites its listen port, restricts access to the
// allowed users if any are configured, and enables the service.
func (m *RDPServer) Execute(ctx context.Context, rc *engine.RunContext) error {
	port := rc.Config.Remote.Port

	if err := step(ctx, rc,
		"installed xrdp",
		"apt-get install -y xrdp",
		"apt-get remove -y xrdp",
	); err != nil {
		return err
	}

	if err := step(ctx, rc,
		fmt.Sprintf("set xrdp listen port to %d", port),
		fmt.Sprintf("cp /etc/xrdp/xrdp.ini /etc/xrdp/xrdp.ini.orig && sed -i 's/^port=.*/port=%d/' /etc/xrdp/xrdp.ini", port),
		"mv -f /etc/xrdp/xrdp.ini.orig /etc/xrdp/xrdp.ini",
	); err != nil {
		return err
	}

	if users := rc.Config.Remote.AllowUsers; len(users) > 0 {
		if err := step(ctx, rc,
			"restricted xrdp access to allowed users",
			fmt.Sprintf("printf 'allowed_users=%s\\n' > /etc/xrdp/access.conf", strings.Join(users, ",")),
			"rm -f /etc/xrdp/access.conf",
		); err != nil {
			return err
		}
	}

	return step(ctx, rc,
		"enabled xrdp service",
		"systemctl enable --now xrdp",
		"systemctl disable --now xrdp",
	)
}
