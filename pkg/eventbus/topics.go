// Package eventbus implements the publish/subscribe client for twin
// change events: topic parsing for the BaSyx repository grammar, and
// a reconnecting transport with exponential backoff.
package eventbus

import (
	"fmt"
	"strings"

	"github.com/mindburn-labs/aegis/pkg/twinclient"
)

// RepositoryType is one of the two BaSyx repository kinds.
type RepositoryType string

const (
	RepositoryAAS      RepositoryType = "aas-repository"
	RepositorySubmodel RepositoryType = "submodel-repository"
)

// EventKind is one of the three change-event verbs.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// ParsedTopic is a decoded BaSyx event-bus topic.
type ParsedTopic struct {
	RepoType    RepositoryType
	RepoID      string
	Event       EventKind
	EntityID    string // decoded; empty for collection-level events
	ElementPath string // present only for submodel element events
}

// ParseTopic decodes a topic of one of the forms:
//
//	aas-repository/{repoId}/shells/{created|updated|deleted}
//	aas-repository/{repoId}/shells/{idB64u}/{created|updated|deleted}
//	submodel-repository/{repoId}/submodels/{created|updated|deleted}
//	submodel-repository/{repoId}/submodels/{idB64u}/{created|updated|deleted}
//	submodel-repository/{repoId}/submodels/{idB64u}/submodelElements/{path}/{event}
//
// It returns ok=false for anything that doesn't match this grammar.
func ParseTopic(topic string) (ParsedTopic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return ParsedTopic{}, false
	}

	repoType := RepositoryType(parts[0])
	if repoType != RepositoryAAS && repoType != RepositorySubmodel {
		return ParsedTopic{}, false
	}
	repoID := parts[1]
	if (repoType == RepositoryAAS && parts[2] != "shells") || (repoType == RepositorySubmodel && parts[2] != "submodels") {
		return ParsedTopic{}, false
	}

	if len(parts) == 4 {
		ev := EventKind(parts[3])
		if !validEvent(ev) {
			return ParsedTopic{}, false
		}
		return ParsedTopic{RepoType: repoType, RepoID: repoID, Event: ev}, true
	}

	entityEncoded := parts[3]
	entityID, err := twinclient.DecodeID(entityEncoded)
	if err != nil {
		entityID = entityEncoded
	}

	eventIndex := 4
	var elementPath string
	if len(parts) > 5 && parts[4] == "submodelElements" {
		eventIndex = len(parts) - 1
		elementPath = strings.Join(parts[5:eventIndex], "/")
	}
	if eventIndex != len(parts)-1 {
		return ParsedTopic{}, false
	}

	ev := EventKind(parts[eventIndex])
	if !validEvent(ev) {
		return ParsedTopic{}, false
	}

	return ParsedTopic{
		RepoType:    repoType,
		RepoID:      repoID,
		Event:       ev,
		EntityID:    entityID,
		ElementPath: elementPath,
	}, true
}

func validEvent(ev EventKind) bool {
	return ev == EventCreated || ev == EventUpdated || ev == EventDeleted
}

// Subscription is a topic pattern with its QoS (carried for parity
// with the reference transport; the redis substitution transport
// treats QoS as advisory only).
type Subscription struct {
	Topic string
	QoS   int
}

// BuildAASSubscriptions returns the subscription pattern(s) for AAS
// repository events.
func BuildAASSubscriptions(repoID string) []Subscription {
	return []Subscription{{Topic: fmt.Sprintf("aas-repository/%s/shells/*", repoID)}}
}

// BuildSubmodelSubscriptions returns the subscription pattern(s) for
// submodel repository events.
func BuildSubmodelSubscriptions(repoID string) []Subscription {
	return []Subscription{{Topic: fmt.Sprintf("submodel-repository/%s/submodels/*", repoID)}}
}

// BuildSubscriptionsSplit builds both AAS and submodel subscriptions
// for possibly-distinct repository ids.
func BuildSubscriptionsSplit(aasRepoID, submodelRepoID string) []Subscription {
	return append(BuildAASSubscriptions(aasRepoID), BuildSubmodelSubscriptions(submodelRepoID)...)
}

// BuildElementUpdateTopic constructs the publish topic for a specific
// submodel element update.
func BuildElementUpdateTopic(repoID, submodelID, elementPath string) string {
	return fmt.Sprintf("submodel-repository/%s/submodels/%s/submodelElements/%s/updated",
		repoID, twinclient.EncodeID(submodelID), elementPath)
}
