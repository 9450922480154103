package emq

// Status is the outcome code carried in a reply frame.
type Status byte

// Reply status codes.
const (
	// Command executed
	StatusOK Status = 0x00
	// Unspecified broker error
	StatusError Status = 0x01
	// Connection has not authenticated yet
	StatusNotAuthenticated Status = 0x02
	// User lacks the permission for the command
	StatusAccessDenied Status = 0x03
	// Named entity does not exist
	StatusNotFound Status = 0x04
	// Named entity already exists
	StatusAlreadyExists Status = 0x05
	// Malformed or out of range argument
	StatusInvalidArgument Status = 0x06
	// Queue reached its message limit
	StatusQueueFull Status = 0x07
	// Message exceeds the queue message size limit
	StatusMessageTooLarge Status = 0x08
	// Queue has no message to return
	StatusEmpty Status = 0x09
	// Command byte not recognised by the broker
	StatusUnknownCommand Status = 0x0A
	// Queue was not declared by this connection
	StatusNotDeclared Status = 0x0B
)

var statusStrings = map[Status]string{
	StatusOK:               "OK",
	StatusError:            "Error",
	StatusNotAuthenticated: "Not authenticated",
	StatusAccessDenied:     "Access denied",
	StatusNotFound:         "Not found",
	StatusAlreadyExists:    "Already exists",
	StatusInvalidArgument:  "Invalid argument",
	StatusQueueFull:        "Queue full",
	StatusMessageTooLarge:  "Message too large",
	StatusEmpty:            "Empty",
	StatusUnknownCommand:   "Unknown command",
	StatusNotDeclared:      "Queue not declared",
}

// String returns the human-readable description of the status.
func (s Status) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return "Unknown status"
}

// Valid returns true if the status is part of the known enumeration.
func (s Status) Valid() bool {
	_, ok := statusStrings[s]
	return ok
}

// IsOK returns true if the status reports success.
func (s Status) IsOK() bool {
	return s == StatusOK
}
