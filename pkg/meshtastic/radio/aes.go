package radio

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"
)

// DefaultChannelKey is the well-known pre-shared key the firmware expands
// the one-byte "AQ==" channel setting to. Packets on the default channel
// that arrive still encrypted can be recovered with it.
var DefaultChannelKey = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// CreateNonce creates a 128-bit nonce.
// It takes a uint32 packetId, converts it to a uint64, and a uint32 fromNode.
// The nonce is concatenated as [64-bit packetId][32-bit fromNode][32-bit block counter].
func CreateNonce(packetId uint32, fromNode uint32, extraNonce uint32) []byte {
	nonce := make([]byte, 16)

	binary.LittleEndian.PutUint64(nonce[0:], uint64(packetId))
	binary.LittleEndian.PutUint32(nonce[8:], fromNode)

	if extraNonce != 0 {
		binary.LittleEndian.PutUint32(nonce[4:], extraNonce)
	}

	return nonce
}

// XOR encrypts or decrypts text with the specified key. It requires the packetID and sending node ID for the AES IV
func XOR(text []byte, key []byte, packetID, fromNode uint32) ([]byte, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("key length must be 16, 24, or 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv := CreateNonce(packetID, fromNode, 0)

	// CTR mode is the same for both encryption and decryption, so we use
	// the NewCTR function rather than NewCBCDecrypter.
	stream := cipher.NewCTR(block, iv)

	// XORKeyStream can work in-place if the two arguments are the same.
	plaintext := make([]byte, len(text))
	stream.XORKeyStream(plaintext, text)

	return plaintext, nil
}

// TryDecode attempts to recover the payload of a packet the node forwarded
// without decrypting, using the default channel key. The result is only
// trusted when it unmarshals to a Data payload with a known port number.
func TryDecode(pkt *pb.MeshPacket) (*pb.Data, error) {
	encrypted := pkt.GetEncrypted()
	if len(encrypted) == 0 {
		return nil, fmt.Errorf("packet carries no ciphertext")
	}

	plaintext, err := XOR(encrypted, DefaultChannelKey, pkt.GetId(), pkt.GetFrom())
	if err != nil {
		return nil, err
	}

	var data pb.Data
	if err := proto.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("payload did not decrypt with default key: %w", err)
	}
	if data.GetPortnum() == pb.PortNum_UNKNOWN_APP || data.GetPortnum() > pb.PortNum_MAX {
		return nil, fmt.Errorf("decrypted payload has implausible port %d", data.GetPortnum())
	}
	return &data, nil
}
