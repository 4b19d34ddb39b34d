package modules

import (
	"context"
	"fmt"

	"github.com/hostrig/hostrig/pkg/engine"
)

// LoginUser creates the configured login user and puts it in its groups.
// With no user name configured the module passes through without touching
// anything, so hosts that manage users elsewhere can leave the section out.
type LoginUser struct{}

// CheckPrerequisites validates the user section.
func (m *LoginUser) CheckPrerequisites(ctx context.Context, rc *engine.RunContext) error {
	if rc.Config.User.Name == "" {
		return nil
	}
	if err := checkSection(rc.Config.User); err != nil {
		return err
	}
	return probe(ctx, rc, "useradd")
}

// Execute creates the user then adds group memberships one at a time, each
// with its own undo entry. A user that already exists is left alone and
// records no undo entry, so rollback never deletes an account (and its home
// directory) that predates the run.
func (m *LoginUser) Execute(ctx context.Context, rc *engine.RunContext) error {
	name := rc.Config.User.Name
	if name == "" {
		rc.Logger.Debug("no login user configured")
		return nil
	}

	if _, err := rc.Runner.Run(ctx, fmt.Sprintf("id -u %s >/dev/null 2>&1", name)); err == nil {
		rc.Logger.Debugf("user %s already exists", name)
	} else if err := step(ctx, rc,
		fmt.Sprintf("created user %s", name),
		fmt.Sprintf("useradd -m -s /bin/bash %s", name),
		fmt.Sprintf("userdel -r %s", name),
	); err != nil {
		return err
	}

	for _, group := range rc.Config.User.Groups {
		if err := step(ctx, rc,
			fmt.Sprintf("added %s to group %s", name, group),
			fmt.Sprintf("usermod -a -G %s %s", group, name),
			fmt.Sprintf("gpasswd -d %s %s", name, group),
		); err != nil {
			return err
		}
	}
	return nil
}
