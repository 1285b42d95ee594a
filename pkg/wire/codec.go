package wire

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// nanosecond timestamps order inserts; unix seconds would collapse them
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

type requestIDOnly struct {
	RequestID string `cbor:"1,keyasint"`
}

// PeekRequestID decodes only the request id, which every request and
// reply carries under key 1.
func PeekRequestID(data []byte) (string, error) {
	var r requestIDOnly
	if err := decMode.Unmarshal(data, &r); err != nil {
		return "", err
	}
	return r.RequestID, nil
}
