package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])
	assert.Len(t, clone, 2)

	var empty Metadata
	assert.NotNil(t, empty.Clone())
}

func TestWithAndWithAll(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	assert.NotContains(t, base, "baz")
	assert.Equal(t, "qux", enriched["baz"])

	all := base.WithAll(Metadata{"x": "1", "foo": "override"})
	assert.Equal(t, "override", all["foo"])
	assert.Equal(t, "bar", base["foo"])
}

func TestGetIgnoresCase(t *testing.T) {
	md := Metadata{"nats-msg-id": "abc"}
	assert.Equal(t, "abc", md.Get(HeaderMessageID))
	assert.Empty(t, md.Get("missing"))
}

func TestWithPrefix(t *testing.T) {
	md := Metadata{"ce-type": "user.created", "Ce-Source": "/users", "other": "x"}
	ce := md.WithPrefix(CloudEventPrefix)
	assert.Equal(t, Metadata{"type": "user.created", "Source": "/users"}, ce)
}

func TestNewPairs(t *testing.T) {
	assert.Equal(t, Metadata{"a": "1"}, New("a", "1", "dangling"))
}

func TestWatermillConversions(t *testing.T) {
	wm := ToWatermill(Metadata{"k": "v"})
	assert.Equal(t, message.Metadata{"k": "v"}, wm)
	assert.Equal(t, Metadata{"k": "v"}, FromWatermill(wm))
	assert.Empty(t, FromWatermill(nil))
	assert.Empty(t, ToWatermill(nil))
}
