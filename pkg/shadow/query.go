package shadow

import "github.com/mindburn-labs/aegis/pkg/twin"

// GetAAS returns a copy of the tracked shell.
func (m *Manager) GetAAS() twin.Shell {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shell
}

// GetSubmodel returns a deep copy of one tracked submodel.
func (m *Manager) GetSubmodel(submodelID string) (twin.Submodel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.submodels[submodelID]
	if !ok {
		return twin.Submodel{}, false
	}
	return twin.Snapshot{Submodels: map[string]twin.Submodel{submodelID: sm}}.DeepCopy().Submodels[submodelID], true
}

// GetAllSubmodels returns a deep copy of every tracked submodel.
func (m *Manager) GetAllSubmodels() map[string]twin.Submodel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := twin.Snapshot{Submodels: m.submodels}.DeepCopy()
	return snap.Submodels
}

// GetPropertyValue walks a "/"-separated path within submodelID,
// returning the leaf element's value, or ok=false if any segment is
// missing.
func (m *Manager) GetPropertyValue(submodelID, idShortPath string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.submodels[submodelID]
	if !ok {
		return nil, false
	}
	elem, ok := sm.FindPath(idShortPath)
	if !ok {
		return nil, false
	}
	return elem.Value, true
}

// GetElementByPath returns a deep copy of the whole element at path.
func (m *Manager) GetElementByPath(submodelID, path string) (twin.Element, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.submodels[submodelID]
	if !ok {
		return twin.Element{}, false
	}
	elem, ok := sm.FindPath(path)
	if !ok {
		return twin.Element{}, false
	}
	cp := twin.Snapshot{Submodels: map[string]twin.Submodel{submodelID: {Elements: []twin.Element{*elem}}}}.DeepCopy().Submodels[submodelID].Elements[0]
	return cp, true
}

// Operation pairs a discovered Operation element with its location.
type Operation struct {
	SubmodelID string
	Path       string
	Element    twin.Element
}

// GetOperations recursively walks every tracked submodel and returns
// every Operation element, annotated with its submodel id and full
// idShort path.
func (m *Manager) GetOperations() []Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ops []Operation
	twin.WalkOperations(m.submodels, func(submodelID, path string, op twin.Element) {
		ops = append(ops, Operation{SubmodelID: submodelID, Path: path, Element: op})
	})
	return ops
}
