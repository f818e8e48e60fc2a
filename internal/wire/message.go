// Package wire implements the JSON-over-stream message codec: decoding raw
// JSON objects into typed protocol messages and enforcing the per-command,
// per-message-type field rules before any handler sees them.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"pathfinder/internal/props"
)

// MsgType enumerates the five message types the protocol allows.
type MsgType string

const (
	MsgRequest  MsgType = "request"
	MsgAccept   MsgType = "accept"
	MsgNotify   MsgType = "notify"
	MsgComplete MsgType = "complete"
	MsgFail     MsgType = "fail"
)

// Command enumerates the protocol commands a request may carry.
type Command string

const (
	CmdHello         Command = "hello"
	CmdPing          Command = "ping"
	CmdPublish       Command = "publish"
	CmdUnpublish     Command = "unpublish"
	CmdSubscribe     Command = "subscribe"
	CmdUnsubscribe   Command = "unsubscribe"
	CmdServices      Command = "services"
	CmdSubscriptions Command = "subscriptions"
	CmdClients       Command = "clients"
	CmdTrack         Command = "track"
)

// ErrCodec is wrapped by every decode/validation failure.
var ErrCodec = errors.New("invalid protocol message")

// Message is the decoded, validated representation of one protocol message.
// Only the fields relevant to its (Command, Type) combination are populated.
type Message struct {
	Command Command `json:"ta-cmd"`
	TaID    int64   `json:"ta-id"`
	Type    MsgType `json:"msg-type"`

	// hello
	ClientID       int64 `json:"client-id,omitempty"`
	ProtoMinClient int   `json:"protocol-minimum-version,omitempty"`
	ProtoMaxClient int   `json:"protocol-maximum-version,omitempty"`
	ProtoVersion   int   `json:"protocol-version,omitempty"`

	// wire compression negotiation (§11 EXPANSION)
	CompressionOffer []string `json:"compression-offer,omitempty"`
	Compression      string   `json:"compression,omitempty"`

	// clients notify (v3: idle-time and liveness-probe latency, §4.3)
	IdleSeconds   float64 `json:"idle-seconds,omitempty"`
	PingLatencyMS int64   `json:"ping-latency-ms,omitempty"`

	// publish
	ServiceID  int64      `json:"service-id,omitempty"`
	Generation int64      `json:"generation,omitempty"`
	Properties props.Map  `json:"-"`
	RawProps   rawPropMap `json:"properties,omitempty"`
	TTL        int64      `json:"ttl,omitempty"`

	// subscribe
	SubscriptionID int64  `json:"subscription-id,omitempty"`
	Filter         string `json:"filter,omitempty"`

	// notify payload (services/subscriptions/clients/subscribe backlog)
	MatchType string `json:"match-type,omitempty"`

	// track
	TrackType string `json:"track-type,omitempty"`

	// fail
	Reason string `json:"fail-reason,omitempty"`
}

// rawPropMap is the wire shape of a property map: name -> array of scalars.
type rawPropMap map[string][]json.RawMessage

// fieldSpec declares which fields are mandatory/optional for one
// (Command, Type) pair of the per-command table (§4.2).
type fieldSpec struct {
	mandatory []string
	optional  []string
}

var table = map[Command]map[MsgType]fieldSpec{
	CmdHello: {
		MsgRequest:  {mandatory: []string{"client-id", "protocol-minimum-version", "protocol-maximum-version"}, optional: []string{"compression-offer"}},
		MsgComplete: {mandatory: []string{"protocol-version"}, optional: []string{"compression"}},
		MsgFail:     {mandatory: []string{"fail-reason"}},
	},
	CmdPing: {
		MsgRequest:  {},
		MsgComplete: {},
		MsgFail:     {mandatory: []string{"fail-reason"}},
	},
	CmdPublish: {
		MsgRequest:  {mandatory: []string{"service-id", "generation", "properties", "ttl"}},
		MsgComplete: {},
		MsgFail:     {mandatory: []string{"fail-reason"}},
	},
	CmdUnpublish: {
		MsgRequest:  {mandatory: []string{"service-id"}},
		MsgComplete: {},
		MsgFail:     {mandatory: []string{"fail-reason"}},
	},
	CmdSubscribe: {
		MsgRequest:  {mandatory: []string{"subscription-id"}, optional: []string{"filter"}},
		MsgAccept:   {},
		MsgNotify:   {mandatory: []string{"service-id", "match-type"}, optional: []string{"generation", "properties", "ttl"}},
		MsgComplete: {},
		MsgFail:     {mandatory: []string{"fail-reason"}},
	},
	CmdUnsubscribe: {
		MsgRequest:  {mandatory: []string{"subscription-id"}},
		MsgComplete: {},
		MsgFail:     {mandatory: []string{"fail-reason"}},
	},
	CmdServices: {
		MsgRequest:  {optional: []string{"filter"}},
		MsgAccept:   {},
		MsgNotify:   {mandatory: []string{"service-id", "generation", "properties", "ttl"}},
		MsgComplete: {},
		MsgFail:     {mandatory: []string{"fail-reason"}},
	},
	CmdSubscriptions: {
		MsgRequest:  {},
		MsgAccept:   {},
		MsgNotify:   {mandatory: []string{"subscription-id"}, optional: []string{"filter"}},
		MsgComplete: {},
		MsgFail:     {mandatory: []string{"fail-reason"}},
	},
	CmdClients: {
		MsgRequest:  {},
		MsgAccept:   {},
		MsgNotify:   {mandatory: []string{"client-id"}, optional: []string{"protocol-version", "idle-seconds", "ping-latency-ms"}},
		MsgComplete: {},
		MsgFail:     {mandatory: []string{"fail-reason"}},
	},
	CmdTrack: {
		MsgRequest:  {},
		MsgAccept:   {},
		MsgNotify:   {mandatory: []string{"track-type"}},
		MsgComplete: {},
		MsgFail:     {mandatory: []string{"fail-reason"}},
	},
}

// envelope is the generic wire shape used to probe which fields are present
// before committing to per-command typed decoding.
type envelope struct {
	Cmd     Command         `json:"ta-cmd"`
	TaID    *int64          `json:"ta-id"`
	Type    MsgType         `json:"msg-type"`
	Present map[string]bool `json:"-"`
}

// Decode parses one JSON object into a validated Message.
func Decode(data []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}

	var env envelope
	if cmdRaw, ok := raw["ta-cmd"]; ok {
		if err := json.Unmarshal(cmdRaw, &env.Cmd); err != nil {
			return nil, fmt.Errorf("%w: ta-cmd: %v", ErrCodec, err)
		}
	} else {
		return nil, fmt.Errorf("%w: missing ta-cmd", ErrCodec)
	}
	if idRaw, ok := raw["ta-id"]; ok {
		var id int64
		if err := json.Unmarshal(idRaw, &id); err != nil || id < 0 {
			return nil, fmt.Errorf("%w: ta-id must be a non-negative integer", ErrCodec)
		}
		env.TaID = &id
	} else {
		return nil, fmt.Errorf("%w: missing ta-id", ErrCodec)
	}
	if typeRaw, ok := raw["msg-type"]; ok {
		if err := json.Unmarshal(typeRaw, &env.Type); err != nil {
			return nil, fmt.Errorf("%w: msg-type: %v", ErrCodec, err)
		}
	} else {
		return nil, fmt.Errorf("%w: missing msg-type", ErrCodec)
	}
	switch env.Type {
	case MsgRequest, MsgAccept, MsgNotify, MsgComplete, MsgFail:
	default:
		return nil, fmt.Errorf("%w: unknown msg-type %q", ErrCodec, env.Type)
	}

	spec, err := lookupSpec(env.Cmd, env.Type)
	if err != nil {
		return nil, err
	}
	if err := validateFields(raw, spec); err != nil {
		return nil, err
	}

	msg := &Message{Command: env.Cmd, TaID: *env.TaID, Type: env.Type}
	for key, value := range raw {
		if err := msg.assign(key, value); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func lookupSpec(cmd Command, typ MsgType) (fieldSpec, error) {
	byType, ok := table[cmd]
	if !ok {
		return fieldSpec{}, fmt.Errorf("%w: unknown command %q", ErrCodec, cmd)
	}
	spec, ok := byType[typ]
	if !ok {
		return fieldSpec{}, fmt.Errorf("%w: command %q does not support msg-type %q", ErrCodec, cmd, typ)
	}
	return spec, nil
}

func validateFields(raw map[string]json.RawMessage, spec fieldSpec) error {
	allowed := map[string]bool{"ta-cmd": true, "ta-id": true, "msg-type": true}
	for _, f := range spec.mandatory {
		allowed[f] = true
	}
	for _, f := range spec.optional {
		allowed[f] = true
	}
	for key := range raw {
		if !allowed[key] {
			return fmt.Errorf("%w: unexpected field %q", ErrCodec, key)
		}
	}
	for _, f := range spec.mandatory {
		if _, ok := raw[f]; !ok {
			return fmt.Errorf("%w: missing mandatory field %q", ErrCodec, f)
		}
	}
	return nil
}

func (m *Message) assign(key string, value json.RawMessage) error {
	switch key {
	case "ta-cmd", "ta-id", "msg-type":
		return nil
	case "client-id":
		return decodeNonNegInt64(value, &m.ClientID)
	case "protocol-minimum-version":
		return decodeInt(value, &m.ProtoMinClient)
	case "protocol-maximum-version":
		return decodeInt(value, &m.ProtoMaxClient)
	case "protocol-version":
		return decodeInt(value, &m.ProtoVersion)
	case "service-id":
		return decodeNonNegInt64(value, &m.ServiceID)
	case "generation":
		return decodeNonNegInt64(value, &m.Generation)
	case "properties":
		props, err := decodeProps(value)
		if err != nil {
			return err
		}
		m.Properties = props
		return nil
	case "ttl":
		return decodeNonNegInt64(value, &m.TTL)
	case "subscription-id":
		return decodeNonNegInt64(value, &m.SubscriptionID)
	case "filter":
		return json.Unmarshal(value, &m.Filter)
	case "match-type":
		return json.Unmarshal(value, &m.MatchType)
	case "track-type":
		return json.Unmarshal(value, &m.TrackType)
	case "fail-reason":
		return json.Unmarshal(value, &m.Reason)
	case "compression-offer":
		return json.Unmarshal(value, &m.CompressionOffer)
	case "compression":
		return json.Unmarshal(value, &m.Compression)
	case "idle-seconds":
		return json.Unmarshal(value, &m.IdleSeconds)
	case "ping-latency-ms":
		return decodeNonNegInt64(value, &m.PingLatencyMS)
	default:
		return fmt.Errorf("%w: unexpected field %q", ErrCodec, key)
	}
}

func decodeInt(value json.RawMessage, dst *int) error {
	var n int
	if err := json.Unmarshal(value, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}
	*dst = n
	return nil
}

func decodeNonNegInt64(value json.RawMessage, dst *int64) error {
	var n int64
	if err := json.Unmarshal(value, &n); err != nil || n < 0 {
		return fmt.Errorf("%w: expected non-negative 63-bit integer", ErrCodec)
	}
	*dst = n
	return nil
}

func decodeProps(value json.RawMessage) (props.Map, error) {
	var raw map[string][]json.RawMessage
	if err := json.Unmarshal(value, &raw); err != nil {
		return nil, fmt.Errorf("%w: properties: %v", ErrCodec, err)
	}
	out := props.New()
	for key, values := range raw {
		for _, v := range values {
			var asInt int64
			if err := json.Unmarshal(v, &asInt); err == nil {
				out.Add(key, props.Int(asInt))
				continue
			}
			var asStr string
			if err := json.Unmarshal(v, &asStr); err != nil {
				return nil, fmt.Errorf("%w: properties: value for %q is neither string nor integer", ErrCodec, key)
			}
			out.Add(key, props.String(asStr))
		}
	}
	return out, nil
}

// Encode serialises a Message to its wire JSON form.
func Encode(m *Message) ([]byte, error) {
	obj := map[string]any{
		"ta-cmd":   m.Command,
		"ta-id":    m.TaID,
		"msg-type": m.Type,
	}
	spec, err := lookupSpec(m.Command, m.Type)
	if err != nil {
		return nil, err
	}
	all := append(append([]string{}, spec.mandatory...), spec.optional...)
	for _, f := range all {
		if v, ok := m.fieldValue(f); ok {
			obj[f] = v
		}
	}
	return json.Marshal(obj)
}

func (m *Message) fieldValue(field string) (any, bool) {
	switch field {
	case "client-id":
		return m.ClientID, true
	case "protocol-minimum-version":
		return m.ProtoMinClient, true
	case "protocol-maximum-version":
		return m.ProtoMaxClient, true
	case "protocol-version":
		return m.ProtoVersion, true
	case "service-id":
		return m.ServiceID, true
	case "generation":
		return m.Generation, true
	case "properties":
		if m.Properties == nil {
			return map[string][]any{}, true
		}
		encoded := make(map[string][]any, len(m.Properties))
		for _, key := range m.Properties.Keys() {
			vs := m.Properties.Values(key)
			raws := make([]any, 0, len(vs))
			for _, v := range vs {
				raws = append(raws, v.Raw())
			}
			encoded[key] = raws
		}
		return encoded, true
	case "ttl":
		return m.TTL, true
	case "subscription-id":
		return m.SubscriptionID, true
	case "filter":
		if m.Filter == "" {
			return nil, false
		}
		return m.Filter, true
	case "match-type":
		return m.MatchType, true
	case "track-type":
		return m.TrackType, true
	case "fail-reason":
		return m.Reason, true
	case "compression-offer":
		if len(m.CompressionOffer) == 0 {
			return nil, false
		}
		return m.CompressionOffer, true
	case "compression":
		if m.Compression == "" {
			return nil, false
		}
		return m.Compression, true
	case "idle-seconds":
		return m.IdleSeconds, true
	case "ping-latency-ms":
		if m.PingLatencyMS <= 0 {
			return nil, false
		}
		return m.PingLatencyMS, true
	default:
		return nil, false
	}
}
