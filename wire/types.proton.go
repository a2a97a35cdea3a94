package wire

import (
	"reflect"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id4 uint64 = iota + 1
	id3
	id2
	id1
	id0
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Description{},
		UDPDescription{},
		LogDescription{},
		TapHello{},
		TapRecord{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Description:
		return id4, nil
	case *UDPDescription:
		return id3, nil
	case *LogDescription:
		return id2, nil
	case *TapHello:
		return id1, nil
	case *TapRecord:
		return id0, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Description:
		return size4(msg2), nil
	case *UDPDescription:
		return size3(msg2), nil
	case *LogDescription:
		return size2(msg2), nil
	case *TapHello:
		return size1(msg2), nil
	case *TapRecord:
		return size0(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Description:
		return id4, marshal4(msg2, buf), nil
	case *UDPDescription:
		return id3, marshal3(msg2, buf), nil
	case *LogDescription:
		return id2, marshal2(msg2, buf), nil
	case *TapHello:
		return id1, marshal1(msg2, buf), nil
	case *TapRecord:
		return id0, marshal0(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id4:
		msg := &Description{}
		return msg, unmarshal4(msg, buf), nil
	case id3:
		msg := &UDPDescription{}
		return msg, unmarshal3(msg, buf), nil
	case id2:
		msg := &LogDescription{}
		return msg, unmarshal2(msg, buf), nil
	case id1:
		msg := &TapHello{}
		return msg, unmarshal1(msg, buf), nil
	case id0:
		msg := &TapRecord{}
		return msg, unmarshal0(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Description:
		return id4, makePatch4(msg2, msgSrc.(*Description), buf), nil
	case *UDPDescription:
		return id3, makePatch3(msg2, msgSrc.(*UDPDescription), buf), nil
	case *LogDescription:
		return id2, makePatch2(msg2, msgSrc.(*LogDescription), buf), nil
	case *TapHello:
		return id1, makePatch1(msg2, msgSrc.(*TapHello), buf), nil
	case *TapRecord:
		return id0, makePatch0(msg2, msgSrc.(*TapRecord), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Description:
		return applyPatch4(msg2, buf), nil
	case *UDPDescription:
		return applyPatch3(msg2, buf), nil
	case *LogDescription:
		return applyPatch2(msg2, buf), nil
	case *TapHello:
		return applyPatch1(msg2, buf), nil
	case *TapRecord:
		return applyPatch0(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *TapRecord) uint64 {
	var n uint64 = 4
	{
		// Type

		{
			l := uint64(len(m.Type))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Sender

		{
			l := uint64(len(m.Sender))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Time

		helpers.UInt64Size(m.Time, &n)
	}
	{
		// Sequence

		helpers.UInt64Size(m.Sequence, &n)
	}
	return n
}

func marshal0(m *TapRecord, b []byte) uint64 {
	var o uint64
	{
		// Type

		{
			l := uint64(len(m.Type))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Type)
			o += l
		}
	}
	{
		// Sender

		{
			l := uint64(len(m.Sender))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Sender)
			o += l
		}
	}
	{
		// Time

		helpers.UInt64Marshal(m.Time, b, &o)
	}
	{
		// Sequence

		helpers.UInt64Marshal(m.Sequence, b, &o)
	}

	return o
}

func unmarshal0(m *TapRecord, b []byte) uint64 {
	var o uint64
	{
		// Type

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Type = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Sender

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Sender = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Time

		helpers.UInt64Unmarshal(&m.Time, b, &o)
	}
	{
		// Sequence

		helpers.UInt64Unmarshal(&m.Sequence, b, &o)
	}

	return o
}

func makePatch0(m, mSrc *TapRecord, b []byte) uint64 {
	var o uint64 = 1
	{
		// Type

		if reflect.DeepEqual(m.Type, mSrc.Type) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.Type))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Type)
				o += l
			}
		}
	}
	{
		// Sender

		if reflect.DeepEqual(m.Sender, mSrc.Sender) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Sender))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Sender)
				o += l
			}
		}
	}
	{
		// Time

		if reflect.DeepEqual(m.Time, mSrc.Time) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			helpers.UInt64Marshal(m.Time, b, &o)
		}
	}
	{
		// Sequence

		if reflect.DeepEqual(m.Sequence, mSrc.Sequence) {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			helpers.UInt64Marshal(m.Sequence, b, &o)
		}
	}

	return o
}

func applyPatch0(m *TapRecord, b []byte) uint64 {
	var o uint64 = 1
	{
		// Type

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Type = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Sender

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Sender = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Time

		if b[0]&0x04 != 0 {
			helpers.UInt64Unmarshal(&m.Time, b, &o)
		}
	}
	{
		// Sequence

		if b[0]&0x08 != 0 {
			helpers.UInt64Unmarshal(&m.Sequence, b, &o)
		}
	}

	return o
}

func size1(m *TapHello) uint64 {
	var n uint64 = 2
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Decimation

		helpers.UInt64Size(m.Decimation, &n)
	}
	return n
}

func marshal1(m *TapHello, b []byte) uint64 {
	var o uint64
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Name)
			o += l
		}
	}
	{
		// Decimation

		helpers.UInt64Marshal(m.Decimation, b, &o)
	}

	return o
}

func unmarshal1(m *TapHello, b []byte) uint64 {
	var o uint64
	{
		// Name

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Name = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Decimation

		helpers.UInt64Unmarshal(&m.Decimation, b, &o)
	}

	return o
}

func makePatch1(m, mSrc *TapHello, b []byte) uint64 {
	var o uint64 = 1
	{
		// Name

		if reflect.DeepEqual(m.Name, mSrc.Name) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.Name))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Name)
				o += l
			}
		}
	}
	{
		// Decimation

		if reflect.DeepEqual(m.Decimation, mSrc.Decimation) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.Decimation, b, &o)
		}
	}

	return o
}

func applyPatch1(m *TapHello, b []byte) uint64 {
	var o uint64 = 1
	{
		// Name

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Name = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Decimation

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.Decimation, b, &o)
		}
	}

	return o
}

func size2(m *LogDescription) uint64 {
	var n uint64 = 3
	{
		// Mode

		helpers.UInt64Size(m.Mode, &n)
	}
	{
		// InFile

		{
			l := uint64(len(m.InFile))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// OutFile

		{
			l := uint64(len(m.OutFile))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal2(m *LogDescription, b []byte) uint64 {
	var o uint64
	{
		// Mode

		helpers.UInt64Marshal(m.Mode, b, &o)
	}
	{
		// InFile

		{
			l := uint64(len(m.InFile))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.InFile)
			o += l
		}
	}
	{
		// OutFile

		{
			l := uint64(len(m.OutFile))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.OutFile)
			o += l
		}
	}

	return o
}

func unmarshal2(m *LogDescription, b []byte) uint64 {
	var o uint64
	{
		// Mode

		helpers.UInt64Unmarshal(&m.Mode, b, &o)
	}
	{
		// InFile

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.InFile = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// OutFile

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.OutFile = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch2(m, mSrc *LogDescription, b []byte) uint64 {
	var o uint64 = 1
	{
		// Mode

		if reflect.DeepEqual(m.Mode, mSrc.Mode) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Mode, b, &o)
		}
	}
	{
		// InFile

		if reflect.DeepEqual(m.InFile, mSrc.InFile) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.InFile))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.InFile)
				o += l
			}
		}
	}
	{
		// OutFile

		if reflect.DeepEqual(m.OutFile, mSrc.OutFile) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			{
				l := uint64(len(m.OutFile))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.OutFile)
				o += l
			}
		}
	}

	return o
}

func applyPatch2(m *LogDescription, b []byte) uint64 {
	var o uint64 = 1
	{
		// Mode

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Mode, b, &o)
		}
	}
	{
		// InFile

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.InFile = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// OutFile

		if b[0]&0x04 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.OutFile = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}

func size3(m *UDPDescription) uint64 {
	var n uint64 = 2
	{
		// Host

		{
			l := uint64(len(m.Host))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Port

		helpers.UInt64Size(m.Port, &n)
	}
	return n
}

func marshal3(m *UDPDescription, b []byte) uint64 {
	var o uint64
	{
		// Host

		{
			l := uint64(len(m.Host))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Host)
			o += l
		}
	}
	{
		// Port

		helpers.UInt64Marshal(m.Port, b, &o)
	}

	return o
}

func unmarshal3(m *UDPDescription, b []byte) uint64 {
	var o uint64
	{
		// Host

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Host = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Port

		helpers.UInt64Unmarshal(&m.Port, b, &o)
	}

	return o
}

func makePatch3(m, mSrc *UDPDescription, b []byte) uint64 {
	var o uint64 = 1
	{
		// Host

		if reflect.DeepEqual(m.Host, mSrc.Host) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.Host))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Host)
				o += l
			}
		}
	}
	{
		// Port

		if reflect.DeepEqual(m.Port, mSrc.Port) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.Port, b, &o)
		}
	}

	return o
}

func applyPatch3(m *UDPDescription, b []byte) uint64 {
	var o uint64 = 1
	{
		// Host

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Host = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Port

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.Port, b, &o)
		}
	}

	return o
}

func size4(m *Description) uint64 {
	var n uint64 = 1
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal4(m *Description, b []byte) uint64 {
	var o uint64
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Name)
			o += l
		}
	}

	return o
}

func unmarshal4(m *Description, b []byte) uint64 {
	var o uint64
	{
		// Name

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Name = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch4(m, mSrc *Description, b []byte) uint64 {
	var o uint64 = 1
	{
		// Name

		if reflect.DeepEqual(m.Name, mSrc.Name) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.Name))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Name)
				o += l
			}
		}
	}

	return o
}

func applyPatch4(m *Description, b []byte) uint64 {
	var o uint64 = 1
	{
		// Name

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Name = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}
