// Package modules provides the builtin provisioning modules. Each module is
// thin: prerequisite checks validate its configuration section and probe the
// tools it needs, and the execute phase delegates the actual installation
// commands to the run's CommandRunner, recording a journal entry before
// every side effect it cannot trivially re-derive.
package modules

import (
	"context"
	"fmt"

	"github.com/hostrig/hostrig/pkg/config"
	"github.com/hostrig/hostrig/pkg/engine"
)

// Builtin returns the descriptors for the builtin module set.
//
// Dependency shape: sysprep is the root; desktop and the login user build on
// it, and the remote-access server needs both. Developer tooling and fonts
// are independent of each other but carry no parallel group: every builtin
// drives apt, and concurrent apt invocations contend on the dpkg lock, so
// same-batch concurrency would violate the resource-disjointness contract
// registration promises.
func Builtin() []engine.Descriptor {
	return []engine.Descriptor{
		{ID: "sysprep", Impl: &SysPrep{}},
		{ID: "user", Dependencies: []string{"sysprep"}, Impl: &LoginUser{}},
		{ID: "desktop", Dependencies: []string{"sysprep"}, Impl: &Desktop{}},
		{ID: "rdpserver", Dependencies: []string{"desktop", "user"}, Impl: &RDPServer{}},
		{ID: "devtools", Dependencies: []string{"sysprep"}, Impl: &DevTools{}},
		{ID: "fonts", Dependencies: []string{"sysprep"}, Impl: &Fonts{}},
	}
}

// step records the undo entry for an action, then runs its command. An empty
// undo means the action is re-derivable and needs no journal entry.
func step(ctx context.Context, rc *engine.RunContext, action, command, undo string) error {
	if undo != "" {
		if err := rc.Journal.Record(action, undo); err != nil {
			return fmt.Errorf("recording %q: %w", action, err)
		}
	}
	if _, err := rc.Runner.Run(ctx, command); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	rc.Logger.Debug(action)
	return nil
}

// probe checks that a tool is on PATH without mutating anything.
func probe(ctx context.Context, rc *engine.RunContext, tool string) error {
	if _, err := rc.Runner.Run(ctx, "command -v "+tool); err != nil {
		return fmt.Errorf("%s not found on PATH: %w", tool, err)
	}
	return nil
}

// checkSection validates one configuration section, surfacing the first
// structured field error.
func checkSection(v interface{}) error {
	if fieldErrs := config.Validate(v); len(fieldErrs) > 0 {
		return fieldErrs[0]
	}
	return nil
}
