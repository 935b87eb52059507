package eventbus

import (
	"testing"

	"github.com/mindburn-labs/aegis/pkg/twinclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopicCollectionLevel(t *testing.T) {
	pt, ok := ParseTopic("aas-repository/repo1/shells/created")
	require.True(t, ok)
	assert.Equal(t, RepositoryAAS, pt.RepoType)
	assert.Equal(t, "repo1", pt.RepoID)
	assert.Equal(t, EventCreated, pt.Event)
	assert.Empty(t, pt.EntityID)
}

func TestParseTopicEntityLevel(t *testing.T) {
	id := twinclient.EncodeID("urn:shell:1")
	pt, ok := ParseTopic("aas-repository/repo1/shells/" + id + "/updated")
	require.True(t, ok)
	assert.Equal(t, "urn:shell:1", pt.EntityID)
	assert.Equal(t, EventUpdated, pt.Event)
}

func TestParseTopicElementPath(t *testing.T) {
	id := twinclient.EncodeID("urn:sm:1")
	pt, ok := ParseTopic("submodel-repository/repo1/submodels/" + id + "/submodelElements/Temp/Reading/updated")
	require.True(t, ok)
	assert.Equal(t, "urn:sm:1", pt.EntityID)
	assert.Equal(t, "Temp/Reading", pt.ElementPath)
	assert.Equal(t, EventUpdated, pt.Event)
}

func TestParseTopicInvalidRepoType(t *testing.T) {
	_, ok := ParseTopic("unknown-repo/repo1/shells/created")
	assert.False(t, ok)
}

func TestParseTopicInvalidEvent(t *testing.T) {
	_, ok := ParseTopic("aas-repository/repo1/shells/exploded")
	assert.False(t, ok)
}
