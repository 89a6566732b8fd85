package connmgr

// EventType classifies a session event.
type EventType string

const (
	EventStateChanged     EventType = "state_changed"
	EventDeviceIdentified EventType = "device_identified"
	EventDataReceived     EventType = "data_received"
	EventDataSent         EventType = "data_sent"
	EventNotice           EventType = "notice"
)

// Notice texts.
const (
	NoticeConnectFailed  = "Unable to connect device"
	NoticeAcceptFailed   = "Unable to accept connection"
	NoticeConnectionLost = "Device connection was lost"
)

// Event is one discrete session event. Only the fields relevant to Type are set:
//
//	StateChanged      State
//	DeviceIdentified  Peer
//	DataReceived      Data, Len (len(Data) == Len)
//	DataSent          Data (unframed payload)
//	Notice            Text
//
// Data is owned by the receiver; the Manager never reuses it.
type Event struct {
	Type  EventType
	State State
	Peer  Peer
	Data  []byte
	Len   int
	Text  string
}

func stateChanged(s State) Event { return Event{Type: EventStateChanged, State: s} }

func deviceIdentified(p Peer) Event { return Event{Type: EventDeviceIdentified, Peer: p} }

func notice(text string) Event { return Event{Type: EventNotice, Text: text} }

func dataReceived(b []byte) Event {
	return Event{Type: EventDataReceived, Data: b, Len: len(b)}
}

func dataSent(b []byte) Event { return Event{Type: EventDataSent, Data: b} }
