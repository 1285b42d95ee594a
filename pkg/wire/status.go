package wire

import "strconv"

// Status is the result code carried by every reply.
type Status int

const (
	Successful Status = iota
	InvalidDuplicate
	TimeoutWaitingKeyLookup
	OutOfSequence
	KeyNotFound
	DatabaseError
	Exception
)

var statusNames = [...]string{
	Successful:              "successful",
	InvalidDuplicate:        "invalid_duplicate",
	TimeoutWaitingKeyLookup: "timeout_waiting_key_lookup",
	OutOfSequence:           "out_of_sequence",
	KeyNotFound:             "key_not_found",
	DatabaseError:           "database_error",
	Exception:               "exception",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

func (s Status) OK() bool { return s == Successful }
