package manifest

import (
	"fmt"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
)

// Validate checks the manifest's internal consistency: dangling schema
// refs, routes pointing at undeclared modules, reducers/workflows with
// cap slots that carry no binding, and cap bindings that reference
// undeclared grants. Any violation is a manifest_invariant_violation —
// a pinned manifest with such a defect must never open a world.
func (m *Manifest) Validate() error {
	if err := m.validateModuleSchemaRefs(); err != nil {
		return err
	}
	if err := m.validateRoutes(); err != nil {
		return err
	}
	if err := m.validateCapBindings(); err != nil {
		return err
	}
	return nil
}

func (m *Manifest) validateModuleSchemaRefs() error {
	for name, mod := range m.Modules {
		for _, ref := range []string{mod.StateSchema, mod.EventSchema, mod.OutputSchema} {
			if ref == "" {
				continue
			}
			if _, ok := m.Schemas[ref]; !ok {
				return errtax.New(errtax.ManifestInvariantViolated, "module references unknown schema", map[string]any{
					"module": name, "schema": ref,
				})
			}
		}
	}
	return nil
}

func (m *Manifest) validateRoutes() error {
	for _, r := range m.Routes {
		if _, ok := m.Schemas[r.EventSchema]; !ok {
			return errtax.New(errtax.ManifestInvariantViolated, "route references unknown event schema", map[string]any{
				"event_schema": r.EventSchema,
			})
		}
		if _, ok := m.Modules[r.Target]; !ok {
			return errtax.New(errtax.ManifestInvariantViolated, "route targets unknown module", map[string]any{
				"target": r.Target,
			})
		}
	}
	return nil
}

func (m *Manifest) validateCapBindings() error {
	grantNames := make(map[string]bool, len(m.Grants))
	for _, g := range m.Grants {
		grantNames[g.Name] = true
	}
	for _, b := range m.CapBindings {
		if !grantNames[b.GrantName] {
			return errtax.New(errtax.ManifestInvariantViolated, "cap binding references unknown grant", map[string]any{
				"module": b.ModuleName, "slot": b.SlotName, "grant": b.GrantName,
			})
		}
	}

	bound := make(map[string]bool, len(m.CapBindings))
	for _, b := range m.CapBindings {
		bound[fmt.Sprintf("%s/%s", b.ModuleName, b.SlotName)] = true
	}
	for name, mod := range m.Modules {
		for _, slot := range mod.CapSlots {
			key := fmt.Sprintf("%s/%s", name, slot)
			if !bound[key] {
				return errtax.New(errtax.ManifestInvariantViolated, "module cap slot is unbound", map[string]any{
					"module": name, "slot": slot,
				})
			}
		}
	}
	return nil
}
