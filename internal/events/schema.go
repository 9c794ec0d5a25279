package events

import (
	_ "embed"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
)

//go:embed events.proto
var eventsProto string

const protoFileName = "events.proto"

type Schema struct {
	Envelope           *desc.MessageDescriptor
	PollResult         *desc.MessageDescriptor
	DeviceStateUpdated *desc.MessageDescriptor
	MarketUpdated      *desc.MessageDescriptor
	ControlApplied     *desc.MessageDescriptor
}

var (
	schemaOnce sync.Once
	schemaInst *Schema
	schemaErr  error
)

func LoadSchema() (*Schema, error) {
	schemaOnce.Do(func() {
		p := protoparse.Parser{
			Accessor: func(filename string) (io.ReadCloser, error) {
				if filename == protoFileName {
					return io.NopCloser(strings.NewReader(eventsProto)), nil
				}
				return nil, fmt.Errorf("unknown import: %s", filename)
			},
		}
		fds, err := p.ParseFiles(protoFileName)
		if err != nil {
			schemaErr = err
			return
		}
		fd := fds[0]
		schemaInst = &Schema{
			Envelope:           fd.FindMessage("minerwatt.events.v1.Envelope"),
			PollResult:         fd.FindMessage("minerwatt.events.v1.PollResult"),
			DeviceStateUpdated: fd.FindMessage("minerwatt.events.v1.DeviceStateUpdated"),
			MarketUpdated:      fd.FindMessage("minerwatt.events.v1.MarketUpdated"),
			ControlApplied:     fd.FindMessage("minerwatt.events.v1.ControlApplied"),
		}
		if schemaInst.Envelope == nil {
			schemaErr = fmt.Errorf("schema: missing Envelope descriptor")
		}
	})
	return schemaInst, schemaErr
}

func (s *Schema) NewEnvelope(subject string) *dynamic.Message {
	m := dynamic.NewMessage(s.Envelope)
	m.SetFieldByName("id", NewID())
	m.SetFieldByName("ts_unix_ms", time.Now().UTC().UnixMilli())
	m.SetFieldByName("subject", subject)
	return m
}
