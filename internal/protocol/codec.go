package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Structured records (identities, the local key pair, registration data) are
// CBOR encoded with Core Deterministic Encoding before sealing, so the same
// record always produces the same plaintext. Opaque protocol records
// (sessions, pre-keys, sender keys) are sealed as-is.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

func unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// identityRecord is the stored form of a remote identity. Pending holds a
// changed key that has not been approved yet.
type identityRecord struct {
	Key       []byte `cbor:"1,keyasint"`
	Pending   []byte `cbor:"2,keyasint,omitempty"`
	PendingAt int64  `cbor:"3,keyasint,omitempty"`
	Address   string `cbor:"4,keyasint,omitempty"`
}

// IdentityKeyPair is the local long-term identity of one account tree.
type IdentityKeyPair struct {
	PublicKey  []byte `cbor:"1,keyasint" json:"public_key"`
	PrivateKey []byte `cbor:"2,keyasint" json:"-"`
}

// Registration is the account-level registration state written when a
// device is linked.
type Registration struct {
	ACI               string `cbor:"1,keyasint" json:"aci"`
	PNI               string `cbor:"2,keyasint" json:"pni"`
	PhoneNumber       string `cbor:"3,keyasint" json:"phone_number"`
	DeviceID          uint32 `cbor:"4,keyasint" json:"device_id"`
	DeviceName        string `cbor:"5,keyasint" json:"device_name"`
	RegistrationID    uint32 `cbor:"6,keyasint" json:"registration_id"`
	PNIRegistrationID uint32 `cbor:"7,keyasint" json:"pni_registration_id"`
	Password          string `cbor:"8,keyasint" json:"-"`
	ProfileKey        []byte `cbor:"9,keyasint" json:"-"`
}
