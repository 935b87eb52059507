package shadow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mindburn-labs/aegis/pkg/eventbus"
	"github.com/mindburn-labs/aegis/pkg/twin"
)

// applyEvent applies a parsed event to shadow state under the state
// lock. It returns an error on any structural failure so the caller
// can trigger a full resync.
func (m *Manager) applyEvent(parsed eventbus.ParsedTopic, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch parsed.RepoType {
	case eventbus.RepositoryAAS:
		return m.applyAASEventLocked(parsed, payload)
	case eventbus.RepositorySubmodel:
		return m.applySubmodelEventLocked(parsed, payload)
	}
	return nil
}

func (m *Manager) applyAASEventLocked(parsed eventbus.ParsedTopic, payload []byte) error {
	if parsed.EntityID == "" {
		if parsed.Event == eventbus.EventCreated {
			var shell twin.Shell
			if err := json.Unmarshal(payload, &shell); err != nil {
				return fmt.Errorf("shadow: decode shell create: %w", err)
			}
			if shell.ID == m.shellID {
				m.shell = shell
			}
		}
		return nil
	}

	if parsed.EntityID != m.shellID {
		return nil
	}

	switch parsed.Event {
	case eventbus.EventUpdated:
		var shell twin.Shell
		if err := json.Unmarshal(payload, &shell); err != nil {
			return fmt.Errorf("shadow: decode shell update: %w", err)
		}
		m.shell = shell
	case eventbus.EventDeleted:
		m.shell = twin.Shell{}
	}
	return nil
}

func (m *Manager) applySubmodelEventLocked(parsed eventbus.ParsedTopic, payload []byte) error {
	if parsed.EntityID == "" {
		return nil
	}
	submodelID := parsed.EntityID

	if _, tracked := m.submodels[submodelID]; !tracked {
		return nil
	}

	if parsed.Event == eventbus.EventDeleted {
		delete(m.submodels, submodelID)
		delete(m.lastUpdateTimes, submodelID)
		return nil
	}

	if parsed.Event != eventbus.EventUpdated {
		return nil
	}

	if parsed.ElementPath != "" {
		var elem twin.Element
		if err := json.Unmarshal(payload, &elem); err != nil {
			return fmt.Errorf("shadow: decode element update: %w", err)
		}
		sm := m.submodels[submodelID]
		if !sm.ReplacePath(parsed.ElementPath, elem) {
			return fmt.Errorf("shadow: element path not found: %s", parsed.ElementPath)
		}
		m.submodels[submodelID] = sm
	} else {
		var sm twin.Submodel
		if err := json.Unmarshal(payload, &sm); err != nil {
			return fmt.Errorf("shadow: decode submodel update: %w", err)
		}
		m.submodels[submodelID] = sm
	}

	now := time.Now()
	m.lastUpdateTimes[submodelID] = now
	m.lastSyncTime = now
	return nil
}
