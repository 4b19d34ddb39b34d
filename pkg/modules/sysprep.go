package modules

import (
	"context"

	"github.com/hostrig/hostrig/pkg/engine"
)

const sysprepBasePackages = "ca-certificates curl gnupg"

// SysPrep refreshes the package index and installs the base packages every
// later module assumes to be present.
type SysPrep struct{}

// CheckPrerequisites verifies the package manager is available.
func (m *SysPrep) CheckPrerequisites(ctx context.Context, rc *engine.RunContext) error {
	return probe(ctx, rc, "apt-get")
}

// Execute updates the package index and installs the base set. The index
// refresh is re-derivable and records no journal entry; the install does.
func (m *SysPrep) Execute(ctx context.Context, rc *engine.RunContext) error {
	if _, err := rc.Runner.Run(ctx, "apt-get update -q"); err != nil {
		return err
	}
	return step(ctx, rc,
		"installed base packages",
		"apt-get install -y "+sysprepBasePackages,
		"apt-get remove -y "+sysprepBasePackages,
	)
}
