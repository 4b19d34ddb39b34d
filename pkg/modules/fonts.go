package modules

import (
	"context"

	"github.com/hostrig/hostrig/pkg/engine"
)

const fontPackages = "fonts-dejavu fonts-noto-core fonts-liberation2"

// Fonts installs the standard font set the desktop modules render with.
// Independent of DevTools but deliberately ungrouped: both go through
// apt, which tolerates only one invocation at a time.
type Fonts struct{}

// CheckPrerequisites verifies the package manager is available.
func (m *Fonts) CheckPrerequisites(ctx context.Context, rc *engine.RunContext) error {
	return probe(ctx, rc, "apt-get")
}

// Execute installs the fonts and rebuilds the font cache. The cache rebuild
// is re-derivable and records no journal entry.
func (m *Fonts) Execute(ctx context.Context, rc *engine.RunContext) error {
	if err := step(ctx, rc,
		"installed font packages",
		"apt-get install -y "+fontPackages,
		"apt-get remove -y "+fontPackages,
	); err != nil {
		return err
	}
	_, err := rc.Runner.Run(ctx, "fc-cache -f")
	return err
}
