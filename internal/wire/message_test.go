package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pathfinder/internal/props"
)

func TestDecodeHelloRequest(t *testing.T) {
	raw := []byte(`{"ta-cmd":"hello","ta-id":1,"msg-type":"request","client-id":42,"protocol-minimum-version":2,"protocol-maximum-version":3}`)
	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, CmdHello, msg.Command)
	assert.Equal(t, int64(1), msg.TaID)
	assert.Equal(t, int64(42), msg.ClientID)
	assert.Equal(t, 2, msg.ProtoMinClient)
	assert.Equal(t, 3, msg.ProtoMaxClient)
}

func TestDecodeRejectsMissingMandatoryField(t *testing.T) {
	raw := []byte(`{"ta-cmd":"hello","ta-id":1,"msg-type":"request","client-id":42,"protocol-minimum-version":2}`)
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestDecodeRejectsUnexpectedField(t *testing.T) {
	raw := []byte(`{"ta-cmd":"ping","ta-id":1,"msg-type":"request","filter":"(a=1)"}`)
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestDecodeRejectsUnknownCommand(t *testing.T) {
	raw := []byte(`{"ta-cmd":"bogus","ta-id":1,"msg-type":"request"}`)
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestDecodeRejectsNegativeTaID(t *testing.T) {
	raw := []byte(`{"ta-cmd":"ping","ta-id":-1,"msg-type":"request"}`)
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestDecodePublishPropertiesMixedScalarTypes(t *testing.T) {
	raw := []byte(`{"ta-cmd":"publish","ta-id":2,"msg-type":"request","service-id":7,"generation":1,"ttl":60,"properties":{"port":[8080],"tag":["a","b"]}}`)
	msg, err := Decode(raw)
	require.NoError(t, err)
	require.True(t, msg.Properties.Has("port"))
	n, ok := msg.Properties.Values("port")[0].Int()
	require.True(t, ok)
	assert.Equal(t, int64(8080), n)
	assert.Len(t, msg.Properties.Values("tag"), 2)
}

func TestEncodeDecodeRoundTripPublishComplete(t *testing.T) {
	original := &Message{Command: CmdPublish, TaID: 9, Type: MsgComplete}
	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original.Command, decoded.Command)
	assert.Equal(t, original.TaID, decoded.TaID)
	assert.Equal(t, original.Type, decoded.Type)
}

func TestEncodeSubscribeNotifyCarriesServiceFields(t *testing.T) {
	props := props.Map{"type": {props.String("http")}}
	msg := &Message{Command: CmdSubscribe, TaID: 3, Type: MsgNotify, ServiceID: 5, MatchType: "appeared", Properties: props}
	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(5), decoded.ServiceID)
	assert.Equal(t, "appeared", decoded.MatchType)
}

func TestEncodeOmitsEmptyOptionalFilter(t *testing.T) {
	msg := &Message{Command: CmdServices, TaID: 1, Type: MsgRequest}
	data, err := Encode(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "filter")
}
