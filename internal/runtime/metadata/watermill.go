package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill converts Watermill metadata into runtime headers.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts runtime headers into a Watermill map.
func ToWatermill(headers Metadata) message.Metadata {
	if len(headers) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(headers))
	for k, v := range headers {
		wm[k] = v
	}
	return wm
}
