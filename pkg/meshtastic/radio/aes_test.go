package radio

import (
	"testing"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

const (
	testFromNode  = uint32(0x0929)
	testPacketNum = uint32(0x13b2d662)
)

func TestCreateNonce(t *testing.T) {
	nonce := CreateNonce(testPacketNum, testFromNode, 0)
	require.Len(t, nonce, 16)
	// Little-endian packet ID in the first eight bytes, node in the next four.
	require.Equal(t, []byte{0x62, 0xd6, 0xb2, 0x13, 0, 0, 0, 0}, nonce[:8])
	require.Equal(t, []byte{0x29, 0x09, 0, 0}, nonce[8:12])
}

func TestXORRoundTrip(t *testing.T) {
	plaintext := []byte("mesh payload bytes")

	ciphertext, err := XOR(plaintext, DefaultChannelKey, testPacketNum, testFromNode)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	recovered, err := XOR(ciphertext, DefaultChannelKey, testPacketNum, testFromNode)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)
}

func TestXORRejectsBadKey(t *testing.T) {
	_, err := XOR([]byte("x"), []byte{1, 2, 3}, testPacketNum, testFromNode)
	require.Error(t, err)
}

func TestTryDecodeDefaultKey(t *testing.T) {
	payload, err := proto.Marshal(&pb.Data{
		Portnum: pb.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte("hello mesh"),
	})
	require.NoError(t, err)

	encrypted, err := XOR(payload, DefaultChannelKey, testPacketNum, testFromNode)
	require.NoError(t, err)

	pkt := &pb.MeshPacket{
		Id:             testPacketNum,
		From:           testFromNode,
		PayloadVariant: &pb.MeshPacket_Encrypted{Encrypted: encrypted},
	}

	data, err := TryDecode(pkt)
	require.NoError(t, err)
	require.Equal(t, pb.PortNum_TEXT_MESSAGE_APP, data.GetPortnum())
	require.Equal(t, []byte("hello mesh"), data.GetPayload())
}

func TestTryDecodeWrongKey(t *testing.T) {
	pkt := &pb.MeshPacket{
		Id:             testPacketNum,
		From:           testFromNode,
		// A single ciphertext byte can never be a complete Data message.
		PayloadVariant: &pb.MeshPacket_Encrypted{Encrypted: []byte{0xde}},
	}
	_, err := TryDecode(pkt)
	require.Error(t, err)
}
