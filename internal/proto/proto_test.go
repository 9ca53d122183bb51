package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeSignal(t *testing.T) {
	req := require.New(t)

	b, err := Encode(Signal{Type: SignalOffer, CallID: "c1", SenderID: "alice", SDP: "v=0"})
	req.NoError(err)

	sig, err := Decode[Signal](b)
	req.NoError(err)
	req.Equal("c1", sig.CallID)
	req.Equal("v=0", sig.SDP)
}

func TestDecodeRejectsIncompleteMessages(t *testing.T) {
	cases := map[string]string{
		"offer without sdp":        `{"type":"offer","callId":"c1","senderId":"a"}`,
		"candidate without seq":    `{"type":"candidate","callId":"c1","senderId":"a","candidate":{"candidate":"x"}}`,
		"candidate without body":   `{"type":"candidate","callId":"c1","senderId":"a","seq":1}`,
		"unknown type":             `{"type":"hello","callId":"c1","senderId":"a"}`,
		"missing call id":          `{"type":"bye","senderId":"a"}`,
		"not json":                 `{`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode[Signal]([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestDecodeChatFrame(t *testing.T) {
	req := require.New(t)

	_, err := Decode[ChatFrame]([]byte(`{"type":"message","chatId":"c","senderId":"a","serverId":"s1"}`))
	req.Error(err, "message frames need a local id")

	f, err := Decode[ChatFrame]([]byte(`{"type":"typing","chatId":"c","senderId":"a","active":true}`))
	req.NoError(err)
	req.True(f.Active)

	_, err = Decode[ChatFrame]([]byte(`{"type":"receipt","chatId":"c","senderId":"a","serverId":"s1"}`))
	req.Error(err, "receipts need a receipt type")
}

func TestTopics(t *testing.T) {
	req := require.New(t)
	req.Equal("signal:bob", SignalTopic("bob"))
	req.Equal("call:c1", CallTopic("c1"))
	req.Equal("chat:dm:a:b", ChatTopic("dm:a:b"))
	req.Equal("inbox:bob", InboxTopic("bob"))
}
