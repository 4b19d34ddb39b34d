package modules

import (
	"context"
	"strings"

	"github.com/hostrig/hostrig/pkg/engine"
)

// DevTools installs the configured developer packages and, optionally,
// the Docker engine.
type DevTools struct{}

// CheckPrerequisites validates the devtools section and requires at least
// one package or the docker flag to be set.
func (m *DevTools) CheckPrerequisites(ctx context.Context, rc *engine.RunContext) error {
	if err := checkSection(rc.Config.DevTools); err != nil {
		return err
	}
	return probe(ctx, rc, "apt-get")
}

// Execute installs the package list in one transaction, then docker if
// requested.
func (m *DevTools) Execute(ctx context.Context, rc *engine.RunContext) error {
	if packages := rc.Config.DevTools.Packages; len(packages) > 0 {
		joined := strings.Join(packages, " ")
		if err := step(ctx, rc,
			"installed developer packages: "+joined,
			"apt-get install -y "+joined,
			"apt-get remove -y "+joined,
		); err != nil {
			return err
		}
	}

	if !rc.Config.DevTools.Docker {
		return nil
	}
	if err := step(ctx, rc,
		"installed docker engine",
		"apt-get install -y docker.io",
		"apt-get remove -y docker.io",
	); err != nil {
		return err
	}
	return step(ctx, rc,
		"enabled docker service",
		"systemctl enable --now docker",
		"systemctl disable --now docker",
	)
}
