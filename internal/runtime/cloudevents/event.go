// Package cloudevents renders CloudEvents v1.0 context attributes in binary
// content mode: every attribute travels as a "ce-" prefixed message header
// and the payload stays untouched.
package cloudevents

import (
	"errors"
	"fmt"
	"strings"
	"time"

	idspkg "github.com/drblury/actorflow/internal/runtime/ids"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// Attribute names as they appear after the header prefix.
const (
	AttrSpecVersion     = "specversion"
	AttrType            = "type"
	AttrSource          = "source"
	AttrID              = "id"
	AttrTime            = "time"
	AttrSubject         = "subject"
	AttrDataContentType = "datacontenttype"
	AttrDataSchema      = "dataschema"
)

// Extension keys set by the runtime on dead letters.
const (
	ExtAttempt       = "afattempt"
	ExtOriginalTopic = "aforiginaltopic"
	ExtErrorMessage  = "aferrormessage"
)

var ErrInvalidAttributes = errors.New("cloudevents: invalid attributes")

// Attributes is the CloudEvents context of one message.
type Attributes struct {
	Type            string
	Source          string
	ID              string
	Time            time.Time
	Subject         string
	DataContentType string
	DataSchema      string
	// Extensions hold lowercase alphanumeric names, as required by the spec.
	Extensions map[string]string
}

// New returns attributes with a ULID id and the current time.
func New(eventType, source string) Attributes {
	return Attributes{
		Type:   eventType,
		Source: source,
		ID:     idspkg.CreateULID(),
		Time:   time.Now().UTC(),
	}
}

// WithExtension returns a copy with one more extension attribute.
func (a Attributes) WithExtension(name, value string) Attributes {
	ext := make(map[string]string, len(a.Extensions)+1)
	for k, v := range a.Extensions {
		ext[k] = v
	}
	ext[name] = value
	a.Extensions = ext
	return a
}

// Validate checks the required attributes and extension names.
func (a Attributes) Validate() error {
	var errs []error
	if a.Type == "" {
		errs = append(errs, fmt.Errorf("%w: type is required", ErrInvalidAttributes))
	}
	if a.Source == "" {
		errs = append(errs, fmt.Errorf("%w: source is required", ErrInvalidAttributes))
	}
	if a.ID == "" {
		errs = append(errs, fmt.Errorf("%w: id is required", ErrInvalidAttributes))
	}
	for name := range a.Extensions {
		if !validExtensionName(name) {
			errs = append(errs, fmt.Errorf("%w: extension name %q", ErrInvalidAttributes, name))
		}
	}
	return errors.Join(errs...)
}

func validExtensionName(name string) bool {
	if name == "" || len(name) > 20 {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Headers renders the attributes as ce- headers.
func (a Attributes) Headers() metadata.Metadata {
	md := metadata.Metadata{
		metadata.CloudEventPrefix + AttrSpecVersion: SpecVersion,
		metadata.CloudEventPrefix + AttrType:        a.Type,
		metadata.CloudEventPrefix + AttrSource:      a.Source,
		metadata.CloudEventPrefix + AttrID:          a.ID,
	}
	if !a.Time.IsZero() {
		md[metadata.CloudEventPrefix+AttrTime] = a.Time.UTC().Format(time.RFC3339Nano)
	}
	optional := map[string]string{
		AttrSubject:         a.Subject,
		AttrDataContentType: a.DataContentType,
		AttrDataSchema:      a.DataSchema,
	}
	for name, value := range optional {
		if value != "" {
			md[metadata.CloudEventPrefix+name] = value
		}
	}
	for name, value := range a.Extensions {
		md[metadata.CloudEventPrefix+name] = value
	}
	return md
}

// FromHeaders reads the attributes back. ok is false when the headers carry
// no CloudEvents context.
func FromHeaders(headers metadata.Metadata) (Attributes, bool, error) {
	ce := make(map[string]string)
	for name, value := range headers.WithPrefix(metadata.CloudEventPrefix) {
		ce[strings.ToLower(name)] = value
	}
	if len(ce) == 0 {
		return Attributes{}, false, nil
	}
	if v := ce[AttrSpecVersion]; v != SpecVersion {
		return Attributes{}, true, fmt.Errorf("%w: unsupported specversion %q", ErrInvalidAttributes, v)
	}

	a := Attributes{
		Type:            ce[AttrType],
		Source:          ce[AttrSource],
		ID:              ce[AttrID],
		Subject:         ce[AttrSubject],
		DataContentType: ce[AttrDataContentType],
		DataSchema:      ce[AttrDataSchema],
	}
	if raw := ce[AttrTime]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Attributes{}, true, fmt.Errorf("%w: time: %v", ErrInvalidAttributes, err)
		}
		a.Time = t
	}
	for name, value := range ce {
		switch name {
		case AttrSpecVersion, AttrType, AttrSource, AttrID, AttrTime,
			AttrSubject, AttrDataContentType, AttrDataSchema:
			continue
		}
		if a.Extensions == nil {
			a.Extensions = make(map[string]string)
		}
		a.Extensions[name] = value
	}
	return a, true, a.Validate()
}
