package ir

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hashDoc struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func TestHashDocumentDeterminism(t *testing.T) {
	_, h1, err := HashDocument(&hashDoc{ID: "1", Title: "a"})
	require.NoError(t, err)
	_, h2, err := HashDocument(&hashDoc{ID: "1", Title: "a"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestHashDocumentChangesWithContent(t *testing.T) {
	_, h1, err := HashDocument(&hashDoc{ID: "1", Title: "a"})
	require.NoError(t, err)
	_, h2, err := HashDocument(&hashDoc{ID: "1", Title: "b"})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestHashDocumentIgnoresMapOrder(t *testing.T) {
	_, h1, err := HashDocument(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	_, h2, err := HashDocument(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestHashDocumentReturnsStoredForm(t *testing.T) {
	data, hash, err := HashDocument(&hashDoc{ID: "1", Title: "e\u0301"})
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":\"1\",\"title\":\"e\u0301\"}", string(data))

	again, err := HashJSON(data)
	require.NoError(t, err)
	assert.Equal(t, hash, again)
}

func TestHashDocumentDistinguishesUnicodeForms(t *testing.T) {
	_, decomposed, err := HashDocument(&hashDoc{ID: "1", Title: "e\u0301"})
	require.NoError(t, err)
	_, precomposed, err := HashDocument(&hashDoc{ID: "1", Title: "\u00e9"})
	require.NoError(t, err)

	assert.NotEqual(t, decomposed, precomposed)
}

func TestDomainSeparationPreventsCrossTypeCollision(t *testing.T) {
	data := []byte(`{"id":"1"}`)
	assert.NotEqual(t, hashWithDomain(DomainDocument, data), hashWithDomain(DomainStream, data))
}

func TestHashHexEncoding(t *testing.T) {
	h := DocumentHash([]byte(`{}`))
	assert.Len(t, h, 64)
	_, err := hex.DecodeString(h)
	assert.NoError(t, err)
}

func TestStreamHashStable(t *testing.T) {
	s := &EventStream{Key: StringKey("order-1")}
	s.Append(&Event{Type: "Created", Data: map[string]any{"n": 1}})

	h1, err := StreamHash(s)
	require.NoError(t, err)
	h2, err := StreamHash(s)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	s.Append(&Event{Type: "Shipped"})
	h3, err := StreamHash(s)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
