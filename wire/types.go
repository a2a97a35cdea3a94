package wire

// Description names a sender or a message type. The described id travels in
// the sender field of the frame carrying it.
type Description struct {
	Name string
}

// UDPDescription announces the address the peer should send unreliable
// traffic to.
type UDPDescription struct {
	Host string
	Port uint64
}

// LogDescription asks the peer to record traffic of this endpoint on its side.
type LogDescription struct {
	Mode    uint64
	InFile  string
	OutFile string
}

// TapHello is exchanged by tap peers when connecting.
type TapHello struct {
	Name       string
	Decimation uint64
}

// TapRecord describes the raw payload following it on a tap stream.
type TapRecord struct {
	Type     string
	Sender   string
	Time     uint64
	Sequence uint64
}
