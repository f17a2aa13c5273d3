package cloudevents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/actorflow/internal/runtime/metadata"
)

func TestNewPopulatesIDAndTime(t *testing.T) {
	a := New("order.created", "shop")
	assert.Len(t, a.ID, 26)
	assert.False(t, a.Time.IsZero())
	require.NoError(t, a.Validate())
}

func TestHeadersAndBack(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := Attributes{
		Type:            "order.created",
		Source:          "shop",
		ID:              "01HX",
		Time:            at,
		Subject:         "order/42",
		DataContentType: "application/json",
	}.WithExtension("tenant", "acme")

	headers := a.Headers()
	assert.Equal(t, "1.0", headers["ce-specversion"])
	assert.Equal(t, "order/42", headers["ce-subject"])
	assert.NotContains(t, headers, "ce-dataschema")

	got, ok, err := FromHeaders(headers.With("Other", "x"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, got)
}

func TestFromHeadersIgnoresHeaderCase(t *testing.T) {
	headers := metadata.New("Ce-Specversion", "1.0", "Ce-Type", "t", "Ce-Source", "s", "Ce-Id", "1")
	got, ok, err := FromHeaders(headers)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t", got.Type)
	assert.Nil(t, got.Extensions)
}

func TestFromHeadersWithoutContext(t *testing.T) {
	_, ok, err := FromHeaders(metadata.New("Nats-Msg-Id", "1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFromHeadersRejectsBadInput(t *testing.T) {
	tests := map[string]metadata.Metadata{
		"spec version": metadata.New("ce-specversion", "0.3", "ce-type", "t", "ce-source", "s", "ce-id", "1"),
		"time":         metadata.New("ce-specversion", "1.0", "ce-type", "t", "ce-source", "s", "ce-id", "1", "ce-time", "yesterday"),
		"missing type": metadata.New("ce-specversion", "1.0", "ce-source", "s", "ce-id", "1"),
	}
	for name, headers := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok, err := FromHeaders(headers)
			assert.True(t, ok)
			require.ErrorIs(t, err, ErrInvalidAttributes)
		})
	}
}

func TestValidateExtensionNames(t *testing.T) {
	a := New("t", "s").WithExtension("Bad_Name", "x")
	require.ErrorIs(t, a.Validate(), ErrInvalidAttributes)
	require.NoError(t, New("t", "s").WithExtension(ExtAttempt, "3").Validate())
}
