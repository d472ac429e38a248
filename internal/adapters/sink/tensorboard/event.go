package tensorboard

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of tensorflow.Event, Summary and friends.
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5

	summaryValue protowire.Number = 1

	valueTag         protowire.Number = 1
	valueSimpleValue protowire.Number = 2
	valueTensor      protowire.Number = 8
	valueMetadata    protowire.Number = 9

	metadataPluginData protowire.Number = 1
	pluginName         protowire.Number = 1

	tensorDtype     protowire.Number = 1
	tensorShape     protowire.Number = 2
	tensorStringVal protowire.Number = 8
	shapeDim        protowire.Number = 2
	dimSize         protowire.Number = 1

	dtString = 7

	fileVersion   = "brain.Event:2"
	textPlugin    = "text"
	textTagSuffix = "/text_summary"
)

func appendEventHeader(b []byte, wallTime float64, step int64) []byte {
	b = protowire.AppendTag(b, eventWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(wallTime))
	if step != 0 {
		b = protowire.AppendTag(b, eventStep, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(step))
	}
	return b
}

func appendSummary(b []byte, value []byte) []byte {
	var summary []byte
	summary = protowire.AppendTag(summary, summaryValue, protowire.BytesType)
	summary = protowire.AppendBytes(summary, value)

	b = protowire.AppendTag(b, eventSummary, protowire.BytesType)
	return protowire.AppendBytes(b, summary)
}

// FileVersionEvent is the first record of every event file.
func FileVersionEvent(wallTime float64) []byte {
	b := appendEventHeader(nil, wallTime, 0)
	b = protowire.AppendTag(b, eventFileVersion, protowire.BytesType)
	return protowire.AppendString(b, fileVersion)
}

// ScalarEvent encodes a Summary with one simple_value.
func ScalarEvent(wallTime float64, step int64, tag string, value float32) []byte {
	var v []byte
	v = protowire.AppendTag(v, valueTag, protowire.BytesType)
	v = protowire.AppendString(v, tag)
	v = protowire.AppendTag(v, valueSimpleValue, protowire.Fixed32Type)
	v = protowire.AppendFixed32(v, math.Float32bits(value))

	return appendSummary(appendEventHeader(nil, wallTime, step), v)
}

// TextEvent encodes a text plugin summary, shown in TensorBoard's text tab.
func TextEvent(wallTime float64, step int64, tag, text string) []byte {
	var plugin []byte
	plugin = protowire.AppendTag(plugin, pluginName, protowire.BytesType)
	plugin = protowire.AppendString(plugin, textPlugin)

	var metadata []byte
	metadata = protowire.AppendTag(metadata, metadataPluginData, protowire.BytesType)
	metadata = protowire.AppendBytes(metadata, plugin)

	var dim []byte
	dim = protowire.AppendTag(dim, dimSize, protowire.VarintType)
	dim = protowire.AppendVarint(dim, 1)

	var shape []byte
	shape = protowire.AppendTag(shape, shapeDim, protowire.BytesType)
	shape = protowire.AppendBytes(shape, dim)

	var tensor []byte
	tensor = protowire.AppendTag(tensor, tensorDtype, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, dtString)
	tensor = protowire.AppendTag(tensor, tensorShape, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, shape)
	tensor = protowire.AppendTag(tensor, tensorStringVal, protowire.BytesType)
	tensor = protowire.AppendString(tensor, text)

	var v []byte
	v = protowire.AppendTag(v, valueTag, protowire.BytesType)
	v = protowire.AppendString(v, tag+textTagSuffix)
	v = protowire.AppendTag(v, valueTensor, protowire.BytesType)
	v = protowire.AppendBytes(v, tensor)
	v = protowire.AppendTag(v, valueMetadata, protowire.BytesType)
	v = protowire.AppendBytes(v, metadata)

	return appendSummary(appendEventHeader(nil, wallTime, step), v)
}
